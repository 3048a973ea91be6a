package client

import (
	"fmt"
	"sort"

	"age-stats-service/internal/codec"
	"age-stats-service/internal/domain"
	"age-stats-service/internal/fhe"
)

// ThresholdCount は復号済みの閾値ごとの件数。
// Status が ok 以外の場合、Count は nil となる。
type ThresholdCount struct {
	Threshold domain.Threshold `json:"threshold"`
	Status    string           `json:"status"`
	Count     *uint64          `json:"count,omitempty"`
}

// Stats は復号済みの統計。
type Stats struct {
	TotalUsers       int64            `json:"totalUsers"`
	EvaluatedRecords int              `json:"evaluatedRecords"`
	SkippedRecords   int              `json:"skippedRecords"`
	Thresholds       []ThresholdCount `json:"thresholds"`
}

// EncryptAge は年齢を暗号化してエンコードする。
// 暗号化可能な範囲より狭い MaxSubmittableAge を超える年齢は拒否する。
func EncryptAge(fc *fhe.Client, age uint) (string, error) {
	if age > domain.MaxSubmittableAge {
		return "", fmt.Errorf("%w: age %d exceeds %d", domain.ErrEncryptionRange, age, domain.MaxSubmittableAge)
	}
	ct, err := fc.Encrypt(age)
	if err != nil {
		return "", err
	}
	return codec.New(fc.Parameters()).Encode(ct)
}

// DecryptStats はサーバーから受け取った暗号化集計結果を復号する。閾値の昇順で返す。
func DecryptStats(fc *fhe.Client, resp *StatsResponse) (*Stats, error) {
	c := codec.New(fc.Parameters())
	stats := &Stats{
		TotalUsers:       resp.TotalUsers,
		EvaluatedRecords: resp.EvaluatedRecords,
		SkippedRecords:   resp.SkippedRecords,
	}

	for key, status := range resp.PerThresholdStatus {
		t, err := domain.ParseThreshold(key)
		if err != nil {
			return nil, err
		}
		tc := ThresholdCount{Threshold: t, Status: status}

		if status == string(domain.ThresholdStatusOK) {
			encoded, ok := resp.PerThresholdEncrypted[key]
			if !ok {
				return nil, fmt.Errorf("%w: threshold %s is ok but has no ciphertext", domain.ErrMalformedCiphertext, key)
			}
			ct, err := c.DecodeCount(encoded)
			if err != nil {
				return nil, fmt.Errorf("threshold %s: %w", key, err)
			}
			count, err := fc.Decrypt(ct)
			if err != nil {
				return nil, fmt.Errorf("threshold %s: %w", key, err)
			}
			tc.Count = &count
		}
		stats.Thresholds = append(stats.Thresholds, tc)
	}

	sort.Slice(stats.Thresholds, func(i, j int) bool {
		return stats.Thresholds[i].Threshold < stats.Thresholds[j].Threshold
	})
	return stats, nil
}
