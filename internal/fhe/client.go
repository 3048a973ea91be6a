package fhe

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"

	"age-stats-service/internal/domain"
)

// Client は秘密鍵を保持するクライアント側の暗号化・復号器。
// 内部バッファを共有するため、並行利用はできない。
type Client struct {
	params    Parameters
	encoder   *bgv.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
}

// NewClient は秘密鍵からクライアントを生成する。
func NewClient(sk *SecretKey) *Client {
	p := sk.params.params
	return &Client{
		params:    sk.params,
		encoder:   bgv.NewEncoder(p),
		encryptor: bgv.NewEncryptor(p, sk.sk),
		decryptor: bgv.NewDecryptor(p, sk.sk),
	}
}

// Parameters はクライアントのパラメータを返す。
func (c *Client) Parameters() Parameters { return c.params }

// Encrypt は年齢を暗号化する。255を超える値は暗号化せずに拒否する。
func (c *Client) Encrypt(age uint) (*Ciphertext, error) {
	if age > domain.MaxAge {
		return nil, fmt.Errorf("%w: age %d exceeds %d", domain.ErrEncryptionRange, age, domain.MaxAge)
	}

	values := make([]uint64, c.params.params.MaxSlots())
	values[0] = uint64(age)
	for i := 1; i < indicatorSlots; i++ {
		if age < uint(i) {
			values[i] = 1
		}
	}

	ct, err := c.encrypt(values)
	if err != nil {
		return nil, err
	}
	return &Ciphertext{kind: KindAge, value: ct}, nil
}

// EncryptCount は集計値形式（スロット0のみ）の暗号文を生成する。
func (c *Client) EncryptCount(value uint64) (*Ciphertext, error) {
	if value >= c.params.params.PlaintextModulus() {
		return nil, fmt.Errorf("%w: value %d exceeds plaintext modulus", domain.ErrEncryptionRange, value)
	}
	values := make([]uint64, c.params.params.MaxSlots())
	values[0] = value

	ct, err := c.encrypt(values)
	if err != nil {
		return nil, err
	}
	return &Ciphertext{kind: KindCount, value: ct}, nil
}

func (c *Client) encrypt(values []uint64) (*rlwe.Ciphertext, error) {
	pt := bgv.NewPlaintext(c.params.params, c.params.params.MaxLevel())
	if err := c.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encoding plaintext: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return ct, nil
}

// Decrypt は暗号文を復号し、スロット0の値を返す。
func (c *Client) Decrypt(ct *Ciphertext) (uint64, error) {
	pt := bgv.NewPlaintext(c.params.params, ct.value.Level())
	c.decryptor.Decrypt(ct.value, pt)

	values := make([]uint64, c.params.params.MaxSlots())
	if err := c.encoder.Decode(pt, values); err != nil {
		return 0, fmt.Errorf("decoding plaintext: %w", err)
	}
	return values[0], nil
}
