package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Prefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(GeneratePayoutNo(), "PO"))
	assert.True(t, strings.HasPrefix(GenerateTransactionNo(), "TXN"))
}

func TestGenerate_UniqueUnderConcurrency(t *testing.T) {
	const workers, perWorker = 8, 500

	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, NextID())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
}

func TestGenerator_Increasing(t *testing.T) {
	g, err := NewGenerator(3)
	require.NoError(t, err)

	prev := g.Next()
	for i := 0; i < 1000; i++ {
		next := g.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestGenerator_RejectsInvalidWorkerID(t *testing.T) {
	_, err := NewGenerator(-1)
	assert.Error(t, err)
	_, err = NewGenerator(maxWorkerID + 1)
	assert.Error(t, err)
}

func TestGenerator_WaitsOutClockRollback(t *testing.T) {
	// GIVEN: 上一个ID在 t=1000ms 生成
	// WHEN: 时钟回拨到 995ms，之后每次读取前进 1ms
	// THEN: 新ID仍大于旧ID
	g, err := NewGenerator(1)
	require.NoError(t, err)

	clock := epoch + 1000
	g.nowMs = func() int64 { return clock }
	first := g.Next()

	clock = epoch + 995
	g.nowMs = func() int64 {
		clock++
		return clock
	}
	second := g.Next()

	assert.Greater(t, second, first)
}

func TestGenerator_SequenceOverflowMovesToNextMillisecond(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)

	clock := epoch + 5000
	g.nowMs = func() int64 { return clock }

	var last int64
	for i := 0; i <= sequenceMask; i++ {
		last = g.Next()
	}

	// 同一毫秒第 4097 个：序列号溢出，等到下一毫秒
	reads := 0
	g.nowMs = func() int64 {
		reads++
		if reads > 1 {
			clock++
		}
		return clock
	}
	next := g.Next()

	assert.Greater(t, next, last)
	assert.Equal(t, int64(0), next&sequenceMask)
	assert.Equal(t, epoch+5001, g.lastMs)
}
