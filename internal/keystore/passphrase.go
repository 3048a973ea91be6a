package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltSize = 16

	// argon2idのパラメータ（RFC 9106 の推奨値）
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// PassphraseSealer はパスフレーズから導出した鍵（argon2id）でXChaCha20-Poly1305暗号化を行う。
type PassphraseSealer struct {
	passphrase []byte
}

// NewPassphraseSealer は新しいPassphraseSealerを生成する。
func NewPassphraseSealer(passphrase string) (*PassphraseSealer, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}
	return &PassphraseSealer{passphrase: []byte(passphrase)}, nil
}

// Name はシーリング方式の名前を返す。
func (p *PassphraseSealer) Name() string { return "passphrase" }

// Encrypt は salt | nonce | ciphertext の形式で暗号化する。
func (p *PassphraseSealer) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(p.deriveKey(salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, salt), nil
}

// Decrypt は Encrypt で暗号化されたデータを復号する。
func (p *PassphraseSealer) Decrypt(ctx context.Context, sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed data too short")
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+chacha20poly1305.NonceSizeX]

	aead, err := chacha20poly1305.NewX(p.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed[saltSize+chacha20poly1305.NonceSizeX:], salt)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func (p *PassphraseSealer) deriveKey(salt []byte) []byte {
	return argon2.IDKey(p.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}
