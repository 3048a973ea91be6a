package fhe

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// EvaluationKey はサーバー側で使用する評価鍵。準同型演算のみ可能で、復号はできない。
type EvaluationKey struct {
	params Parameters
	set    *rlwe.MemEvaluationKeySet
}

// SecretKey はクライアント側で使用する秘密鍵。暗号化と復号が可能。
type SecretKey struct {
	params Parameters
	sk     *rlwe.SecretKey
}

// GenerateKeyPair は同一のパラメータから評価鍵と秘密鍵を生成する。
func GenerateKeyPair(params Parameters) (*EvaluationKey, *SecretKey) {
	kgen := rlwe.NewKeyGenerator(params.params)
	sk := kgen.GenSecretKeyNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	gks := kgen.GenGaloisKeysNew(galoisElements(params), sk)

	return &EvaluationKey{params: params, set: rlwe.NewMemEvaluationKeySet(rlk, gks...)},
		&SecretKey{params: params, sk: sk}
}

func galoisElements(params Parameters) []uint64 {
	steps := rotationSteps()
	galEls := make([]uint64, len(steps))
	for i, step := range steps {
		galEls[i] = params.params.GaloisElement(step)
	}
	return galEls
}

// Parameters は鍵のパラメータを返す。
func (k *EvaluationKey) Parameters() Parameters { return k.params }

// MarshalBinary は評価鍵をシリアライズする。
func (k *EvaluationKey) MarshalBinary() ([]byte, error) {
	return k.set.MarshalBinary()
}

// UnmarshalEvaluationKey は評価鍵を復元し、必要な回転鍵が揃っていることを確認する。
func UnmarshalEvaluationKey(params Parameters, data []byte) (_ *EvaluationKey, err error) {
	defer recoverUnmarshal("evaluation key", &err)

	if want := evaluationKeySize(params); len(data) != want {
		return nil, fmt.Errorf("evaluation key is %d bytes, expected %d", len(data), want)
	}

	set := new(rlwe.MemEvaluationKeySet)
	if err := set.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshaling evaluation key: %w", err)
	}
	for _, galEl := range galoisElements(params) {
		if _, err := set.GetGaloisKey(galEl); err != nil {
			return nil, fmt.Errorf("evaluation key is missing galois element %d: %w", galEl, err)
		}
	}
	return &EvaluationKey{params: params, set: set}, nil
}

// Parameters は鍵のパラメータを返す。
func (k *SecretKey) Parameters() Parameters { return k.params }

// MarshalBinary は秘密鍵をシリアライズする。
func (k *SecretKey) MarshalBinary() ([]byte, error) {
	return k.sk.MarshalBinary()
}

// UnmarshalSecretKey は秘密鍵を復元する。
func UnmarshalSecretKey(params Parameters, data []byte) (_ *SecretKey, err error) {
	defer recoverUnmarshal("secret key", &err)

	if want := rlwe.NewSecretKey(params.params).BinarySize(); len(data) != want {
		return nil, fmt.Errorf("secret key is %d bytes, expected %d", len(data), want)
	}

	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshaling secret key: %w", err)
	}
	if sk.Value.Q.N() != params.params.N() {
		return nil, fmt.Errorf("secret key ring degree %d does not match parameters (%d)", sk.Value.Q.N(), params.params.N())
	}
	return &SecretKey{params: params, sk: sk}, nil
}

// evaluationKeySize はパラメータから決まる評価鍵のシリアライズ長を返す。
// lattigoは途中で切れた入力をrecoverできない形で処理するため、復元前に長さを確認する。
func evaluationKeySize(params Parameters) int {
	rlk := rlwe.NewRelinearizationKey(params.params)
	galEls := galoisElements(params)
	gks := make([]*rlwe.GaloisKey, len(galEls))
	for i, galEl := range galEls {
		gks[i] = rlwe.NewGaloisKey(params.params)
		gks[i].GaloisElement = galEl
	}
	return rlwe.NewMemEvaluationKeySet(rlk, gks...).BinarySize()
}

// recoverUnmarshal は不正な入力によるlattigo内部のpanicをエラーに変換する。
func recoverUnmarshal(what string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("unmarshaling %s: %v", what, r)
	}
}
