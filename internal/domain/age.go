// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

const (
	// AgeWidth は暗号化された年齢のエンコード幅（ビット数）。
	AgeWidth = 8
	// MaxAge は暗号化可能な年齢の上限値。
	MaxAge = 1<<AgeWidth - 1
	// MaxSubmittableAge はクライアントが提出を許可する年齢の上限値。
	MaxSubmittableAge = 120
)

// Threshold は年齢の閾値を表す。ポリシーで固定され、ユーザーからは指定できない。
type Threshold uint

// String は閾値を10進数の文字列で返す。JSONのキーとして使用する。
func (t Threshold) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// ParseThreshold は10進数の文字列から閾値を生成する。
func ParseThreshold(s string) (Threshold, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidThreshold, s)
	}
	return Threshold(v), nil
}

// NormalizeThresholds は閾値を昇順に並べ、重複を取り除く。
func NormalizeThresholds(thresholds []Threshold) []Threshold {
	seen := make(map[Threshold]struct{}, len(thresholds))
	out := make([]Threshold, 0, len(thresholds))
	for _, t := range thresholds {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AgeRecord は提出された暗号化年齢のレコードを表す。作成後は変更されない。
type AgeRecord struct {
	ID           string
	UserID       string
	EncryptedAge string // Base64エンコードされた暗号文
	CreatedAt    time.Time
}

// ThresholdStatus は閾値ごとの集計結果の状態を表す。
type ThresholdStatus string

const (
	// ThresholdStatusOK は暗号化された集計値が得られたことを表す。
	ThresholdStatusOK ThresholdStatus = "ok"
	// ThresholdStatusEmpty は集計対象の有効なレコードが無かったことを表す。
	ThresholdStatusEmpty ThresholdStatus = "empty"
	// ThresholdStatusFailed は集計が計算できなかったことを表す。
	ThresholdStatusFailed ThresholdStatus = "failed"
)

// ThresholdResult は閾値ひとつ分の集計結果。
type ThresholdResult struct {
	Threshold  Threshold
	Status     ThresholdStatus
	Ciphertext string // Status が ok の場合のみ設定される
	Reason     string // Status が ok 以外の場合の理由
}

// AggregateResult は統計リクエストごとに生成される集計結果。永続化はしない。
type AggregateResult struct {
	TotalUsers       int64
	EvaluatedRecords int
	SkippedRecords   int
	PerThreshold     map[Threshold]ThresholdResult
}
