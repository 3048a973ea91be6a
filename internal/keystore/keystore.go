// Package keystore は準同型暗号の鍵ペアの生成・永続化・読み込みを提供する。
//
// 評価鍵と秘密鍵は同時に生成されるが、別々のファイルに保存される。
// サーバーは評価鍵のファイルのみを読み込み、秘密鍵のファイルには触れない。
package keystore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"age-stats-service/internal/domain"
	"age-stats-service/internal/fhe"
)

const (
	bundleVersion = 1

	formatEvaluation = "age-stats/evaluation-key"
	formatSecret     = "age-stats/secret-key"

	sealingNone = "none"
)

// Sealer は秘密鍵を保存時に暗号化するインターフェース。
type Sealer interface {
	Name() string
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Options はStoreの設定。
type Options struct {
	EvaluationKeyPath string
	SecretKeyPath     string
	ParameterSet      fhe.ParameterSet
	Sealer            Sealer // nil の場合、秘密鍵は暗号化せずに保存する
}

// Store は鍵ファイルの読み書きを行う。
type Store struct {
	evaluationPath string
	secretPath     string
	parameterSet   fhe.ParameterSet
	sealer         Sealer
}

// New は新しいStoreを生成する。
func New(opts Options) *Store {
	if opts.ParameterSet.ID == "" {
		opts.ParameterSet = fhe.DefaultParameterSet
	}
	return &Store{
		evaluationPath: opts.EvaluationKeyPath,
		secretPath:     opts.SecretKeyPath,
		parameterSet:   opts.ParameterSet,
		sealer:         opts.Sealer,
	}
}

// bundle は鍵ファイルのJSON形式。
type bundle struct {
	Format       string    `json:"format"`
	Version      int       `json:"version"`
	ParameterSet string    `json:"parameter_set"`
	Fingerprint  string    `json:"fingerprint"`
	Parameters   []byte    `json:"parameters"`
	Sealing      string    `json:"sealing"`
	Key          []byte    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
}

// GenerateAndPersist は新しい鍵ペアを生成して保存する。
// 既存の暗号文はすべて復号できなくなるため、force が false の場合は既存の鍵を上書きしない。
func (s *Store) GenerateAndPersist(ctx context.Context, force bool) (*fhe.EvaluationKey, *fhe.SecretKey, error) {
	if !force {
		for _, path := range []string{s.evaluationPath, s.secretPath} {
			if _, err := os.Stat(path); err == nil {
				return nil, nil, fmt.Errorf("%w: %s", domain.ErrKeyAlreadyExists, path)
			}
		}
	}

	params, err := fhe.NewParameters(s.parameterSet)
	if err != nil {
		return nil, nil, err
	}
	evk, sk := fhe.GenerateKeyPair(params)

	evkBytes, err := evk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling evaluation key: %w", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling secret key: %w", err)
	}

	sealing := sealingNone
	if s.sealer != nil {
		if skBytes, err = s.sealer.Encrypt(ctx, skBytes); err != nil {
			return nil, nil, fmt.Errorf("sealing secret key: %w", err)
		}
		sealing = s.sealer.Name()
	}

	now := time.Now().UTC()
	evalData, err := newBundle(formatEvaluation, params, sealingNone, evkBytes, now)
	if err != nil {
		return nil, nil, err
	}
	secretData, err := newBundle(formatSecret, params, sealing, skBytes, now)
	if err != nil {
		return nil, nil, err
	}

	if err := s.persist(evalData, secretData); err != nil {
		slog.ErrorContext(ctx, "failed to persist key pair",
			"operation", "generate_and_persist",
			"evaluation_key_path", s.evaluationPath,
			"secret_key_path", s.secretPath,
			"error", err,
		)
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	slog.InfoContext(ctx, "key pair generated",
		"operation", "generate_and_persist",
		"parameter_set", params.ID(),
		"sealing", sealing,
	)
	return evk, sk, nil
}

// LoadForEvaluation は評価鍵のみを読み込む。
func (s *Store) LoadForEvaluation(ctx context.Context) (*fhe.EvaluationKey, error) {
	b, params, err := s.load(s.evaluationPath, formatEvaluation)
	if err != nil {
		return nil, err
	}
	evk, err := fhe.UnmarshalEvaluationKey(params, b.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrKey, s.evaluationPath, err)
	}
	return evk, nil
}

// LoadForDecryption は秘密鍵を読み込む。クライアントからのみ使用する。
func (s *Store) LoadForDecryption(ctx context.Context) (*fhe.SecretKey, error) {
	b, params, err := s.load(s.secretPath, formatSecret)
	if err != nil {
		return nil, err
	}

	key := b.Key
	if b.Sealing != sealingNone {
		if s.sealer == nil || s.sealer.Name() != b.Sealing {
			return nil, fmt.Errorf("%w: %s is sealed with %q but no matching sealer is configured", domain.ErrKey, s.secretPath, b.Sealing)
		}
		if key, err = s.sealer.Decrypt(ctx, key); err != nil {
			return nil, fmt.Errorf("%w: unsealing %s: %v", domain.ErrKey, s.secretPath, err)
		}
	}

	sk, err := fhe.UnmarshalSecretKey(params, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrKey, s.secretPath, err)
	}
	return sk, nil
}

func newBundle(format string, params fhe.Parameters, sealing string, key []byte, createdAt time.Time) ([]byte, error) {
	paramBytes, err := params.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshaling parameters: %w", err)
	}
	fp := params.Fingerprint()
	return json.MarshalIndent(bundle{
		Format:       format,
		Version:      bundleVersion,
		ParameterSet: params.ID(),
		Fingerprint:  hex.EncodeToString(fp[:]),
		Parameters:   paramBytes,
		Sealing:      sealing,
		Key:          key,
		CreatedAt:    createdAt,
	}, "", "  ")
}

func (s *Store) load(path, format string) (*bundle, fhe.Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fhe.Parameters{}, fmt.Errorf("%w: key file not found: %s", domain.ErrKey, path)
		}
		return nil, fhe.Parameters{}, fmt.Errorf("%w: reading %s: %v", domain.ErrKey, path, err)
	}

	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fhe.Parameters{}, fmt.Errorf("%w: parsing %s: %v", domain.ErrKey, path, err)
	}
	if b.Format != format {
		return nil, fhe.Parameters{}, fmt.Errorf("%w: %s has format %q, expected %q", domain.ErrKey, path, b.Format, format)
	}
	if b.Version != bundleVersion {
		return nil, fhe.Parameters{}, fmt.Errorf("%w: %s has unsupported version %d", domain.ErrKey, path, b.Version)
	}

	params, err := fhe.UnmarshalParameters(b.ParameterSet, b.Parameters)
	if err != nil {
		return nil, fhe.Parameters{}, fmt.Errorf("%w: %s: %v", domain.ErrKey, path, err)
	}
	fp := params.Fingerprint()
	if hex.EncodeToString(fp[:]) != b.Fingerprint {
		return nil, fhe.Parameters{}, fmt.Errorf("%w: %s: parameter fingerprint mismatch", domain.ErrKey, path)
	}
	return &b, params, nil
}

// persist は両方の鍵を一時ファイルに書き込んでからリネームする。
// 評価鍵の差し替えに失敗した場合は既存の秘密鍵を元に戻し、鍵ペアが食い違った状態を残さない。
func (s *Store) persist(evalData, secretData []byte) error {
	evalTmp, err := stage(s.evaluationPath, evalData, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(evalTmp)

	secretTmp, err := stage(s.secretPath, secretData, 0o600)
	if err != nil {
		return err
	}
	defer os.Remove(secretTmp)

	backup, err := backupFile(s.secretPath)
	if err != nil {
		return err
	}
	if backup != "" {
		defer os.Remove(backup)
	}

	if err := os.Rename(secretTmp, s.secretPath); err != nil {
		return fmt.Errorf("installing secret key: %w", err)
	}
	if err := os.Rename(evalTmp, s.evaluationPath); err != nil {
		if rerr := restoreFile(backup, s.secretPath); rerr != nil {
			return errors.Join(fmt.Errorf("installing evaluation key: %w", err), rerr)
		}
		return fmt.Errorf("installing evaluation key: %w", err)
	}
	return nil
}

// backupFile は既存ファイルの複製を同じディレクトリに作成する。ファイルがなければ空文字を返す。
func backupFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s for backup: %w", path, err)
	}
	return stage(path, data, 0o600)
}

// restoreFile はバックアップを元の場所に戻す。バックアップがなければ新しいファイルを削除する。
func restoreFile(backup, path string) error {
	if backup == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		return nil
	}
	if err := os.Rename(backup, path); err != nil {
		return fmt.Errorf("restoring %s: %w", path, err)
	}
	return nil
}

// stage は対象と同じディレクトリに一時ファイルを作成し、fsyncして閉じる。
func stage(path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("closing %s: %w", tmp, err)
	}
	return tmp, nil
}
