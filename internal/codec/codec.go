// Package codec は暗号文のワイヤーエンコーディング（ヘッダ + バイナリ + Base64）を提供する。
//
// ヘッダ形式（15バイト）:
//
//	magic "AGEC" | version (1) | kind (1) | width (1) | parameter fingerprint (8)
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"age-stats-service/internal/domain"
	"age-stats-service/internal/fhe"
)

const (
	formatVersion = 1
	headerSize    = 4 + 1 + 1 + 1 + fhe.FingerprintSize
)

var magic = []byte("AGEC")

// Codec は特定のパラメータに固定された暗号文のエンコーダ/デコーダ。並行利用可能。
type Codec struct {
	params   fhe.Parameters
	bodySize int
}

// New は指定パラメータ用のCodecを生成する。
func New(params fhe.Parameters) *Codec {
	p := params.BGV()
	return &Codec{
		params:   params,
		bodySize: rlwe.NewCiphertext(p, 1, p.MaxLevel()).BinarySize(),
	}
}

// Encode は暗号文をBase64文字列にエンコードする。
func (c *Codec) Encode(ct *fhe.Ciphertext) (string, error) {
	if ct == nil || ct.Value() == nil {
		return "", fmt.Errorf("encoding ciphertext: nil ciphertext")
	}
	body, err := ct.Value().MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encoding ciphertext: %w", err)
	}

	fp := c.params.Fingerprint()
	buf := make([]byte, 0, headerSize+len(body))
	buf = append(buf, magic...)
	buf = append(buf, formatVersion, byte(ct.Kind()), domain.AgeWidth)
	buf = append(buf, fp[:]...)
	buf = append(buf, body...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decode はBase64文字列から暗号文を復元する。形状が不正な場合は ErrMalformedCiphertext を返す。
func (c *Codec) Decode(s string) (*fhe.Ciphertext, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, malformed("invalid base64: %v", err)
	}
	if len(raw) < headerSize {
		return nil, malformed("truncated header (%d bytes)", len(raw))
	}
	if !bytes.Equal(raw[:4], magic) {
		return nil, malformed("unknown magic %q", raw[:4])
	}
	if raw[4] != formatVersion {
		return nil, malformed("unsupported format version %d", raw[4])
	}
	kind := fhe.Kind(raw[5])
	if !kind.Valid() {
		return nil, malformed("unknown kind %d", raw[5])
	}
	if raw[6] != domain.AgeWidth {
		return nil, malformed("unsupported width %d", raw[6])
	}
	fp := c.params.Fingerprint()
	if !bytes.Equal(raw[7:headerSize], fp[:]) {
		return nil, malformed("parameter fingerprint mismatch (expected %s)", c.params.ID())
	}

	value, err := c.unmarshalBody(raw[headerSize:])
	if err != nil {
		return nil, err
	}
	return fhe.NewCiphertext(kind, value), nil
}

// DecodeAge は年齢の暗号文としてデコードする。
func (c *Codec) DecodeAge(s string) (*fhe.Ciphertext, error) {
	return c.decodeKind(s, fhe.KindAge)
}

// DecodeCount は集計値の暗号文としてデコードする。
func (c *Codec) DecodeCount(s string) (*fhe.Ciphertext, error) {
	return c.decodeKind(s, fhe.KindCount)
}

func (c *Codec) decodeKind(s string, want fhe.Kind) (*fhe.Ciphertext, error) {
	ct, err := c.Decode(s)
	if err != nil {
		return nil, err
	}
	if ct.Kind() != want {
		return nil, malformed("expected %s ciphertext, got %s", want, ct.Kind())
	}
	return ct, nil
}

func (c *Codec) unmarshalBody(body []byte) (value *rlwe.Ciphertext, err error) {
	// 長さが合わない本体はlattigoに渡さない（途中で切れた入力はrecoverできない形で落ちる）
	if len(body) != c.bodySize {
		return nil, malformed("body is %d bytes, expected %d", len(body), c.bodySize)
	}

	// 壊れた長さフィールドでlattigoがpanicした場合も不正な暗号文として扱う
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, malformed("corrupted body: %v", r)
		}
	}()

	value = new(rlwe.Ciphertext)
	if err := value.UnmarshalBinary(body); err != nil {
		return nil, malformed("corrupted body: %v", err)
	}
	if value.BinarySize() != len(body) {
		return nil, malformed("trailing bytes after ciphertext")
	}

	p := c.params.BGV()
	if value.MetaData == nil || !value.IsNTT {
		return nil, malformed("ciphertext is not in NTT representation")
	}
	if value.Degree() != 1 {
		return nil, malformed("unexpected degree %d", value.Degree())
	}
	if value.Level() != p.MaxLevel() {
		return nil, malformed("unexpected level %d", value.Level())
	}
	for i := range value.Value {
		if value.Value[i].N() != p.N() {
			return nil, malformed("unexpected ring degree %d", value.Value[i].N())
		}
	}
	return value, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrMalformedCiphertext}, args...)...)
}
