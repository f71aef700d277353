package pcache

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/wuklab/legomem/internal/config"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixedFetcher struct{ b byte }

func (f fixedFetcher) FetchPage(task TaskKey, vaddr uintptr) ([PageSize]byte, error) {
	var buf [PageSize]byte
	buf[0] = f.b
	return buf, nil
}

func newTestCache(t *testing.T, policy config.EvictionPolicy, nway int) *Cache {
	t.Helper()
	cfg := config.Default()
	cfg.PCache.Sets = 1
	cfg.PCache.Ways = nway
	cfg.PCache.Eviction = policy
	cfg.PCache.VictimSlotsPerSet = 2
	c, err := New(cfg, fixedFetcher{b: 0x42}, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFillMissThenHit(t *testing.T) {
	c := newTestCache(t, config.EvictionLRU, 4)
	task := TaskKey{NID: 1, PID: 1}
	mm := MMKey(1)
	pte := &PTE{}

	line, err := c.Fill(context.Background(), task, mm, 0x1000, pte, FaultMiss)
	if err != nil {
		t.Fatalf("Fill miss: %v", err)
	}
	if !line.Valid() || !line.Usable() || !line.Allocated() {
		t.Fatalf("expected resident line after fill, got bits=%v", line.bits.Mask())
	}
	if !pte.Present {
		t.Fatalf("expected PTE marked present only after Valid is set")
	}
	if line.frame()[0] != 0x42 {
		t.Fatalf("expected fetched content in frame")
	}

	line2, err := c.Fill(context.Background(), task, mm, 0x1000, pte, FaultMiss)
	if err != nil {
		t.Fatalf("Fill hit: %v", err)
	}
	if line2 != line {
		t.Fatalf("expected second fault to hit the same line")
	}
	if line.Mapcount() != 1 {
		t.Fatalf("expected a single rmap entry after repeated fault on same address, got %d", line.Mapcount())
	}
}

func TestFillEvictsWhenSetFull(t *testing.T) {
	c := newTestCache(t, config.EvictionLRU, 2)
	task := TaskKey{NID: 1, PID: 1}
	ctx := context.Background()

	var lines []*Line
	for i := uintptr(0); i < 2; i++ {
		l, err := c.Fill(ctx, task, MMKey(1), i*PageSize, &PTE{}, FaultMiss)
		if err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		lines = append(lines, l)
	}

	// A third distinct address must evict one of the first two.
	l3, err := c.Fill(ctx, task, MMKey(1), 2*PageSize, &PTE{}, FaultMiss)
	if err != nil {
		t.Fatalf("fill 3: %v", err)
	}
	if l3 != lines[0] && l3 != lines[1] {
		t.Fatalf("expected the third fill to reuse one of the two existing lines")
	}

	resident := 0
	for i := 0; i < c.NWay; i++ {
		if c.Line(0, i).Resident() {
			resident++
		}
	}
	if resident != 2 {
		t.Fatalf("expected exactly 2 resident lines after eviction, got %d", resident)
	}
}

func TestVictimEngineRecoversEvictedContent(t *testing.T) {
	c := newTestCache(t, config.EvictionVictim, 1)
	ctx := context.Background()
	task := TaskKey{NID: 1, PID: 1}

	l1, err := c.Fill(ctx, task, MMKey(1), 0x1000, &PTE{}, FaultMiss)
	if err != nil {
		t.Fatalf("fill 1: %v", err)
	}
	l1.frame()[0] = 0x99
	l1.bits.Set(bitDirty)

	// Force the lone way to be evicted by faulting a different address.
	if _, err := c.Fill(ctx, task, MMKey(1), 0x2000, &PTE{}, FaultMiss); err != nil {
		t.Fatalf("fill 2: %v", err)
	}

	ve := c.evict.(*victimEngine)
	frame, hit := ve.lookupVictim(c.SetFor(0x1000), task, 0x1000)
	if !hit {
		t.Fatalf("expected evicted page to be recoverable from the victim cache")
	}
	if frame[0] != 0x99 {
		t.Fatalf("expected victim slot to preserve evicted content")
	}
}

func TestPendingListEngineSweepsAndDrains(t *testing.T) {
	c := newTestCache(t, config.EvictionPerSetList, 1)
	ctx := context.Background()
	task := TaskKey{NID: 1, PID: 1}

	if _, err := c.Fill(ctx, task, MMKey(1), 0x1000, &PTE{}, FaultMiss); err != nil {
		t.Fatalf("fill 1: %v", err)
	}
	if _, err := c.Fill(ctx, task, MMKey(1), 0x2000, &PTE{}, FaultMiss); err != nil {
		t.Fatalf("fill 2 should evict via the pending-list sweep: %v", err)
	}
	if c.Line(0, 0).Resident() == false {
		t.Fatalf("expected the single way to hold the most recent fault's content")
	}
}

func TestZeroFillProducesZeroedPage(t *testing.T) {
	c := newTestCache(t, config.EvictionLRU, 2)
	task := TaskKey{NID: 1, PID: 1}
	line, err := c.Fill(context.Background(), task, MMKey(1), 0x4000, &PTE{}, FaultZero)
	if err != nil {
		t.Fatalf("Fill zero: %v", err)
	}
	for i, b := range line.frame() {
		if b != 0 {
			t.Fatalf("expected zero-filled page, byte %d = %d", i, b)
		}
	}
}

func TestLineResidentRequiresAllThreeBits(t *testing.T) {
	c := newTestCache(t, config.EvictionLRU, 1)
	line := c.Line(0, 0)
	if line.Resident() {
		t.Fatalf("fresh line must not be resident")
	}
	line.bits.Set(bitAllocated)
	if line.Resident() {
		t.Fatalf("allocated alone must not be resident")
	}
	line.bits.Set(bitUsable)
	if line.Resident() {
		t.Fatalf("allocated+usable without valid must not be resident")
	}
	line.bits.Set(bitValid)
	if !line.Resident() {
		t.Fatalf("allocated+usable+valid must be resident")
	}
}

func TestMapcountMatchesRmapLength(t *testing.T) {
	c := newTestCache(t, config.EvictionLRU, 2)
	ctx := context.Background()
	line, err := c.Fill(ctx, TaskKey{NID: 1, PID: 1}, MMKey(1), 0x1000, &PTE{}, FaultMiss)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, err := c.Fill(ctx, TaskKey{NID: 1, PID: 2}, MMKey(2), 0x1000, &PTE{}, FaultMiss); err != nil {
		t.Fatalf("second mapping fill: %v", err)
	}
	// Same vaddr but a distinct (mm) key hashes to the same set and may
	// land on a different line; only check the invariant on whichever
	// line(s) ended up with rmap entries.
	for i := 0; i < c.NWay; i++ {
		l := c.Line(0, i)
		if l.rmap == nil {
			continue
		}
		if int(l.Mapcount()) != l.rmap.Len() {
			t.Fatalf("mapcount %d does not match rmap length %d", l.Mapcount(), l.rmap.Len())
		}
	}
	_ = line
}

func TestFlushRangeWritesBackDirtyLineWithoutEvicting(t *testing.T) {
	var wrote []byte
	cfg := config.Default()
	cfg.PCache.Sets = 1
	cfg.PCache.Ways = 2
	cfg.PCache.Eviction = config.EvictionLRU
	c, err := New(cfg, fixedFetcher{b: 0x42}, func(task TaskKey, vaddr uintptr, frame *[PageSize]byte) error {
		wrote = append(wrote, frame[0])
		return nil
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	task := TaskKey{NID: 1, PID: 1}
	mm := MMKey(1)
	line, err := c.Fill(context.Background(), task, mm, 0x1000, &PTE{}, FaultMiss)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	line.frame()[0] = 0x7
	line.bits.Set(bitDirty)

	if err := c.FlushRange(mm, 0x1000, 0x2000); err != nil {
		t.Fatalf("FlushRange: %v", err)
	}
	if len(wrote) != 1 || wrote[0] != 0x7 {
		t.Fatalf("expected one writeback of the dirty content, got %v", wrote)
	}
	if line.Dirty() {
		t.Fatalf("expected Dirty cleared after a successful flush")
	}
	if !line.Resident() {
		t.Fatalf("FlushRange must not evict the line")
	}
}

func TestEvictionEngineSerializesPerSet(t *testing.T) {
	c := newTestCache(t, config.EvictionLRU, 1)
	set := c.SetFor(0)
	if set.flags.TestAndSet(psetEvicting) {
		t.Fatalf("set should not already be marked evicting")
	}
	defer set.flags.Clear(psetEvicting)

	line, err := c.evict.Evict(context.Background(), set)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if line != nil {
		t.Fatalf("expected Evict to decline while the set is already marked evicting, got %v", line)
	}
}

func TestNewRejectsBadGeometry(t *testing.T) {
	cfg := config.Default()
	cfg.PCache.Sets = 0
	if _, err := New(cfg, fixedFetcher{}, nil, nil, testLogger()); err == nil {
		t.Fatalf("expected error for zero sets")
	}
}

