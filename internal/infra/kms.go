package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// KMSSealingName は鍵ファイルに記録されるCloud KMSによる封印方式の名前。
const KMSSealingName = "gcp-kms"

// secretKeyAAD は封印した秘密鍵を他の用途の暗号文と取り違えないための追加認証データ。
var secretKeyAAD = []byte("age-stats-service/secret-key/v1")

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ErrKMSIntegrity はKMSとの通信で値が破損したことを表す。
var ErrKMSIntegrity = errors.New("kms integrity check failed")

// kmsAPI はKMSClientが使用するCloud KMSの操作。
type kmsAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
	Close() error
}

// KMSClient は秘密鍵ファイルをCloud KMSで封印する Sealer。
// 送受信する値はCRC32Cで検証する。
type KMSClient struct {
	client  kmsAPI
	keyName string
}

// NewKMSClient は指定されたキー名でKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return newKMSClient(client, keyName), nil
}

func newKMSClient(client kmsAPI, keyName string) *KMSClient {
	return &KMSClient{client: client, keyName: keyName}
}

// Name は封印方式の名前を返す。
func (c *KMSClient) Name() string {
	return KMSSealingName
}

// Encrypt は秘密鍵のバイト列をCloud KMSで暗号化する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                              c.keyName,
		Plaintext:                         plaintext,
		PlaintextCrc32C:                   wrapperspb.Int64(crc32c(plaintext)),
		AdditionalAuthenticatedData:       secretKeyAAD,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(crc32c(secretKeyAAD)),
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if !resp.VerifiedPlaintextCrc32C || !resp.VerifiedAdditionalAuthenticatedDataCrc32C {
		return nil, fmt.Errorf("%w: request corrupted in transit", ErrKMSIntegrity)
	}
	if resp.CiphertextCrc32C == nil || resp.CiphertextCrc32C.Value != crc32c(resp.Ciphertext) {
		return nil, fmt.Errorf("%w: response corrupted in transit", ErrKMSIntegrity)
	}
	return resp.Ciphertext, nil
}

// Decrypt は封印された秘密鍵をCloud KMSで復号する。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                              c.keyName,
		Ciphertext:                        ciphertext,
		CiphertextCrc32C:                  wrapperspb.Int64(crc32c(ciphertext)),
		AdditionalAuthenticatedData:       secretKeyAAD,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(crc32c(secretKeyAAD)),
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if resp.PlaintextCrc32C == nil || resp.PlaintextCrc32C.Value != crc32c(resp.Plaintext) {
		return nil, fmt.Errorf("%w: response corrupted in transit", ErrKMSIntegrity)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32cTable))
}
