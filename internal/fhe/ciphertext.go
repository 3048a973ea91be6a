package fhe

import (
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// Kind は暗号文のスロットレイアウトを表す。
type Kind uint8

const (
	// KindAge は提出された年齢の暗号文（年齢 + 指標ベクトル）。
	KindAge Kind = 1
	// KindCount はスロット0に整数値を持つ暗号文（比較結果・集計値）。
	KindCount Kind = 2
)

// Valid はKindが既知の値かどうかを返す。
func (k Kind) Valid() bool {
	return k == KindAge || k == KindCount
}

func (k Kind) String() string {
	switch k {
	case KindAge:
		return "age"
	case KindCount:
		return "count"
	default:
		return "unknown"
	}
}

// Ciphertext は不透明な暗号化整数。バイト列は乱数化されるため、同じ平文でも一致しない。
type Ciphertext struct {
	kind  Kind
	value *rlwe.Ciphertext
}

// NewCiphertext はlattigoの暗号文をラップする。コーデックから使用する。
func NewCiphertext(kind Kind, value *rlwe.Ciphertext) *Ciphertext {
	return &Ciphertext{kind: kind, value: value}
}

// Kind は暗号文の種類を返す。
func (c *Ciphertext) Kind() Kind { return c.kind }

// Value は内部のlattigo暗号文を返す。
func (c *Ciphertext) Value() *rlwe.Ciphertext { return c.value }
