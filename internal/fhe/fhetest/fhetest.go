// Package fhetest はテスト用の鍵ペアを共有するヘルパーを提供する。
package fhetest

import (
	"sync"
	"testing"

	"age-stats-service/internal/fhe"
)

var (
	once   sync.Once
	params fhe.Parameters
	evk    *fhe.EvaluationKey
	sk     *fhe.SecretKey
	err    error
)

// KeyPair はテスト用パラメータで生成した鍵ペアを返す。生成はプロセス内で一度だけ行う。
func KeyPair(tb testing.TB) (fhe.Parameters, *fhe.EvaluationKey, *fhe.SecretKey) {
	tb.Helper()
	once.Do(func() {
		params, err = fhe.NewParameters(fhe.TestParameterSet)
		if err != nil {
			return
		}
		evk, sk = fhe.GenerateKeyPair(params)
	})
	if err != nil {
		tb.Fatalf("failed to set up test key pair: %v", err)
	}
	return params, evk, sk
}

// Parameters はテスト用パラメータを返す。
func Parameters(tb testing.TB) fhe.Parameters {
	tb.Helper()
	p, _, _ := KeyPair(tb)
	return p
}
