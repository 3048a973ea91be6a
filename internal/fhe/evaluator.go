package fhe

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"

	"age-stats-service/internal/domain"
)

// Evaluator は評価鍵のみで準同型演算を行う。復号の手段は持たない。
// 1つのEvaluatorは1つのgoroutineからのみ使用し、並列化する場合は ShallowCopy を使う。
type Evaluator struct {
	params Parameters
	eval   *bgv.Evaluator
	masks  *maskCache
}

// maskCache は指標スロットを取り出すマスク平文のキャッシュ。生成後の平文は読み取り専用。
type maskCache struct {
	mu      sync.Mutex
	params  Parameters
	encoder *bgv.Encoder
	pts     map[int]*rlwe.Plaintext
}

// NewEvaluator は評価鍵からEvaluatorを生成する。
func NewEvaluator(evk *EvaluationKey) *Evaluator {
	p := evk.params.params
	return &Evaluator{
		params: evk.params,
		eval:   bgv.NewEvaluator(p, evk.set),
		masks: &maskCache{
			params:  evk.params,
			encoder: bgv.NewEncoder(p),
			pts:     make(map[int]*rlwe.Plaintext),
		},
	}
}

// ShallowCopy は鍵とマスクを共有し、作業バッファだけを分けたEvaluatorを返す。
func (e *Evaluator) ShallowCopy() *Evaluator {
	return &Evaluator{
		params: e.params,
		eval:   e.eval.ShallowCopy(),
		masks:  e.masks,
	}
}

// Parameters はEvaluatorのパラメータを返す。
func (e *Evaluator) Parameters() Parameters { return e.params }

// LessThan は暗号化された年齢が閾値未満かどうかを暗号化された0/1として返す。
func (e *Evaluator) LessThan(ct *Ciphertext, threshold uint) (*Ciphertext, error) {
	if ct.kind != KindAge {
		return nil, fmt.Errorf("%w: less-than requires an %s ciphertext, got %s", domain.ErrMalformedCiphertext, KindAge, ct.kind)
	}

	slot := indicatorSlot(threshold)
	mask, err := e.masks.get(slot)
	if err != nil {
		return nil, err
	}

	out, err := e.eval.MulNew(ct.value, mask)
	if err != nil {
		return nil, fmt.Errorf("masking slot %d: %w", slot, err)
	}

	for step := 1; step <= slot; step <<= 1 {
		if slot&step == 0 {
			continue
		}
		if out, err = e.eval.RotateColumnsNew(out, step); err != nil {
			return nil, fmt.Errorf("rotating by %d: %w", step, err)
		}
	}

	return &Ciphertext{kind: KindCount, value: out}, nil
}

// Add は2つの暗号文のスロットごとの和を返す。入力は変更しない。
func (e *Evaluator) Add(a, b *Ciphertext) (*Ciphertext, error) {
	out, err := e.eval.AddNew(a.value, b.value)
	if err != nil {
		return nil, fmt.Errorf("adding ciphertexts: %w", err)
	}
	return &Ciphertext{kind: KindCount, value: out}, nil
}

func (m *maskCache) get(slot int) (*rlwe.Plaintext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pt, ok := m.pts[slot]; ok {
		return pt, nil
	}

	p := m.params.params
	values := make([]uint64, p.MaxSlots())
	// スロット0は常に0（年齢 < 0 は成立しない）なので、閾値0は全ゼロのマスクになる
	if slot > 0 {
		values[slot] = 1
	}

	pt := bgv.NewPlaintext(p, p.MaxLevel())
	if err := m.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encoding mask for slot %d: %w", slot, err)
	}
	m.pts[slot] = pt
	return pt, nil
}
