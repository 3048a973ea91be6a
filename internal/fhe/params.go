// Package fhe はBGV方式（lattigo）による準同型暗号のプリミティブを提供する。
//
// 年齢の暗号文はスロット0に年齢そのもの、スロットi（1≦i≦256）に指標 [age < i] を持つ。
// 閾値比較はマスク乗算とスロット回転だけで行い、評価側の制御フローは暗号化された値に依存しない。
package fhe

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"golang.org/x/crypto/blake2b"

	"age-stats-service/internal/domain"
)

// FingerprintSize はパラメータフィンガープリントのバイト長。
const FingerprintSize = 8

const (
	// indicatorSlots は年齢暗号文が使用するスロット数（年齢1 + 指標256）。
	indicatorSlots = domain.MaxAge + 2
	// maxIndicatorSlot は指標を保持する最後のスロット。
	maxIndicatorSlot = domain.MaxAge + 1
)

// ParameterSet は名前付きのスキームパラメータ定義。
type ParameterSet struct {
	ID      string
	Literal bgv.ParametersLiteral
}

// DefaultParameterSet は本番用のパラメータ（N=2^13, t=65537）。
var DefaultParameterSet = ParameterSet{
	ID: "bgv-n13-t65537-v1",
	Literal: bgv.ParametersLiteral{
		LogN:             13,
		LogQ:             []int{55, 55},
		LogP:             []int{61},
		PlaintextModulus: 65537,
	},
}

// TestParameterSet はテスト専用の小さなパラメータ。安全ではないため本番で使用してはならない。
var TestParameterSet = ParameterSet{
	ID: "bgv-n12-t65537-insecure-test",
	Literal: bgv.ParametersLiteral{
		LogN:             12,
		LogQ:             []int{40, 40},
		LogP:             []int{45},
		PlaintextModulus: 65537,
	},
}

// LookupParameterSet はIDから登録済みのパラメータ定義を返す。
func LookupParameterSet(id string) (ParameterSet, bool) {
	for _, set := range []ParameterSet{DefaultParameterSet, TestParameterSet} {
		if set.ID == id {
			return set, true
		}
	}
	return ParameterSet{}, false
}

// Parameters は検証済みのスキームパラメータ。
type Parameters struct {
	id          string
	params      bgv.Parameters
	fingerprint [FingerprintSize]byte
}

// NewParameters はパラメータ定義から Parameters を生成する。
func NewParameters(set ParameterSet) (Parameters, error) {
	params, err := bgv.NewParametersFromLiteral(set.Literal)
	if err != nil {
		return Parameters{}, fmt.Errorf("creating parameters %s: %w", set.ID, err)
	}
	return newParameters(set.ID, params)
}

// UnmarshalParameters はシリアライズされたパラメータを復元する。
func UnmarshalParameters(id string, data []byte) (_ Parameters, err error) {
	defer recoverUnmarshal("parameters "+id, &err)

	var params bgv.Parameters
	if err := params.UnmarshalBinary(data); err != nil {
		return Parameters{}, fmt.Errorf("unmarshaling parameters %s: %w", id, err)
	}
	return newParameters(id, params)
}

func newParameters(id string, params bgv.Parameters) (Parameters, error) {
	if params.MaxSlots()/2 < indicatorSlots {
		return Parameters{}, fmt.Errorf("parameters %s: slot row too small (%d < %d)", id, params.MaxSlots()/2, indicatorSlots)
	}
	if params.PlaintextModulus() <= indicatorSlots {
		return Parameters{}, fmt.Errorf("parameters %s: plaintext modulus %d too small", id, params.PlaintextModulus())
	}

	data, err := params.MarshalBinary()
	if err != nil {
		return Parameters{}, fmt.Errorf("marshaling parameters %s: %w", id, err)
	}
	sum := blake2b.Sum256(data)

	p := Parameters{id: id, params: params}
	copy(p.fingerprint[:], sum[:FingerprintSize])
	return p, nil
}

// ID はパラメータセットの識別子を返す。
func (p Parameters) ID() string { return p.id }

// Fingerprint はシリアライズ済みパラメータのハッシュ先頭8バイトを返す。
func (p Parameters) Fingerprint() [FingerprintSize]byte { return p.fingerprint }

// MaxAggregate は暗号化された合計値として正しく表現できる最大件数を返す。
// 合計は平文モジュラス t を法として計算されるため、上限は t-1 となる。
func (p Parameters) MaxAggregate() int {
	return int(p.params.PlaintextModulus() - 1)
}

// MarshalBinary はパラメータをシリアライズする。
func (p Parameters) MarshalBinary() ([]byte, error) {
	return p.params.MarshalBinary()
}

// BGV は内部のlattigoパラメータを返す。
func (p Parameters) BGV() bgv.Parameters { return p.params }

// indicatorSlot は閾値に対応する指標スロットを返す。
// 年齢は255以下なので、256以上の閾値はすべて常に1となるスロット256に対応する。
func indicatorSlot(threshold uint) int {
	if threshold > maxIndicatorSlot {
		return maxIndicatorSlot
	}
	return int(threshold)
}

// rotationSteps は任意の指標スロットをスロット0へ移すのに必要な2冪の回転量。
func rotationSteps() []int {
	var steps []int
	for step := 1; step <= maxIndicatorSlot; step <<= 1 {
		steps = append(steps, step)
	}
	return steps
}
