package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matst80/vncrelay/internal/proto"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	_ = m.Add(ctx, proto.SessionInfo{ID: "b", VM: "web01", OpenedAt: base.Add(time.Second)})
	_ = m.Add(ctx, proto.SessionInfo{ID: "a", VM: "web01", OpenedAt: base})

	list, _ := m.List(ctx)
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("list = %+v", list)
	}
	m.Remove(ctx, "a")
	m.Remove(ctx, "a")
	m.RecordFailure()
	st := m.Stats()
	if st.Active != 1 || st.TotalOpened != 2 || st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryStoreConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			_ = m.Add(ctx, proto.SessionInfo{ID: id})
			_, _ = m.List(ctx)
			m.Remove(ctx, id)
		}(i)
	}
	wg.Wait()
	if st := m.Stats(); st.Active != 0 || st.TotalOpened != 50 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReadyClosingFlags(t *testing.T) {
	m := NewMemoryStore()
	if m.IsReady() || m.IsClosing() {
		t.Fatal("fresh store should be neither ready nor closing")
	}
	m.SetReady(true)
	m.SetClosing(true)
	if !m.IsReady() || !m.IsClosing() {
		t.Fatal("flags not stored")
	}
}
