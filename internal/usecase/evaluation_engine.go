package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"age-stats-service/internal/codec"
	"age-stats-service/internal/domain"
	"age-stats-service/internal/fhe"
)

var tracer = otel.Tracer("age-stats-service/internal/usecase")

// EngineOption はEvaluationEngineの設定を変更する。
type EngineOption func(*EvaluationEngine)

// WithWorkers は閾値を並列に評価するgoroutine数を設定する。
func WithWorkers(n int) EngineOption {
	return func(e *EvaluationEngine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMaxAggregate は集計できる有効レコード数の上限を設定する。
// パラメータが表現できる上限より大きい値は無視される。
func WithMaxAggregate(n int) EngineOption {
	return func(e *EvaluationEngine) {
		if n > 0 && n < e.maxAggregate {
			e.maxAggregate = n
		}
	}
}

// EvaluationEngine は保存済みの暗号化年齢から閾値ごとの暗号化件数を計算する。
// 評価鍵のみを保持し、暗号化された値に応じて処理を分岐することはない。
type EvaluationEngine struct {
	evaluator    *fhe.Evaluator
	codec        *codec.Codec
	workers      int
	maxAggregate int
}

// NewEvaluationEngine は新しいEvaluationEngineを生成する。
func NewEvaluationEngine(evk *fhe.EvaluationKey, opts ...EngineOption) *EvaluationEngine {
	params := evk.Parameters()
	e := &EvaluationEngine{
		evaluator:    fhe.NewEvaluator(evk),
		codec:        codec.New(params),
		workers:      1,
		maxAggregate: params.MaxAggregate(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Codec はエンジンのパラメータに対応するコーデックを返す。
func (e *EvaluationEngine) Codec() *codec.Codec {
	return e.codec
}

// Evaluate はレコード群を閾値ごとに集計する。
// 復号できないレコードは警告ログを出して除外し、残りのレコードで集計を続ける。
// 期限切れの場合は domain.ErrTimeout、件数が上限を超える場合は domain.ErrAggregateOverflow を返す。
func (e *EvaluationEngine) Evaluate(ctx context.Context, records []*domain.AgeRecord, thresholds []domain.Threshold) (*domain.AggregateResult, error) {
	ctx, span := tracer.Start(ctx, "EvaluationEngine.Evaluate")
	defer span.End()

	thresholds = domain.NormalizeThresholds(thresholds)
	result := &domain.AggregateResult{
		PerThreshold: make(map[domain.Threshold]domain.ThresholdResult, len(thresholds)),
	}

	cts := make([]*fhe.Ciphertext, 0, len(records))
	for _, record := range records {
		ct, err := e.codec.DecodeAge(record.EncryptedAge)
		if err != nil {
			slog.WarnContext(ctx, "skipping undecodable record",
				"operation", "evaluate",
				"record_id", record.ID,
				"user_id", record.UserID,
				"error", err,
			)
			result.SkippedRecords++
			continue
		}
		cts = append(cts, ct)
	}
	result.EvaluatedRecords = len(cts)

	span.SetAttributes(
		attribute.Int("records.evaluated", result.EvaluatedRecords),
		attribute.Int("records.skipped", result.SkippedRecords),
		attribute.Int("thresholds", len(thresholds)),
	)

	if len(cts) > e.maxAggregate {
		err := fmt.Errorf("%w: %d records exceed the limit of %d", domain.ErrAggregateOverflow, len(cts), e.maxAggregate)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, t := range thresholds {
		g.Go(func() error {
			encoded, err := e.countBelow(gctx, e.evaluator.ShallowCopy(), cts, t)
			if errors.Is(err, domain.ErrTimeout) {
				return err
			}

			tr := domain.ThresholdResult{Threshold: t}
			switch {
			case err == nil:
				tr.Status = domain.ThresholdStatusOK
				tr.Ciphertext = encoded
			case errors.Is(err, domain.ErrEmptyAggregate):
				tr.Status = domain.ThresholdStatusEmpty
				tr.Reason = err.Error()
			default:
				slog.ErrorContext(gctx, "threshold evaluation failed",
					"operation", "evaluate",
					"threshold", t.String(),
					"error", err,
				)
				tr.Status = domain.ThresholdStatusFailed
				tr.Reason = err.Error()
			}

			mu.Lock()
			result.PerThreshold[t] = tr
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}

	return result, nil
}

// countBelow は閾値未満の件数を暗号化したまま数え、エンコード済みの暗号文を返す。
// 加算は先頭から順に行う。
func (e *EvaluationEngine) countBelow(ctx context.Context, eval *fhe.Evaluator, cts []*fhe.Ciphertext, t domain.Threshold) (string, error) {
	ctx, span := tracer.Start(ctx, "EvaluationEngine.countBelow")
	defer span.End()
	span.SetAttributes(attribute.Int("threshold", int(t)))

	if len(cts) == 0 {
		return "", domain.ErrEmptyAggregate
	}

	var sum *fhe.Ciphertext
	for i, ct := range cts {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "deadline exceeded")
			return "", fmt.Errorf("%w: threshold %s after %d of %d records: %v", domain.ErrTimeout, t, i, len(cts), err)
		}

		indicator, err := eval.LessThan(ct, uint(t))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("comparing record %d: %w", i, err)
		}
		if sum == nil {
			sum = indicator
			continue
		}
		if sum, err = eval.Add(sum, indicator); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("adding record %d: %w", i, err)
		}
	}

	encoded, err := e.codec.Encode(sum)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("encoding sum: %w", err)
	}
	return encoded, nil
}
