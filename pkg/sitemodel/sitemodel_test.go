package sitemodel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/storage"
	"github.com/nicktill/sitegrid/pkg/storage/memory"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

var t0 = time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC)

func write(cx, cy uint32, sec int, ccv int16) CellWrite {
	p := cellpass.Null()
	p.Time = t0.Add(time.Duration(sec) * time.Second)
	p.CCV = ccv
	p.Height = 10
	p.MachineID = 1
	return CellWrite{CellX: cx, CellY: cy, Pass: p}
}

func testOptions() Options {
	return Options{Logger: logging.Discard(), MaxSegmentPasses: 16}
}

func TestAddPassesSetsExistence(t *testing.T) {
	m := New(uuid.New(), testOptions())
	cx, cy := uint32(subgridtree.IndexOriginOffset+3), uint32(subgridtree.IndexOriginOffset+5)
	origin := subgridtree.LeafOrigin(cx, cy)

	var changes []Change
	m.Subscribe(func(c Change) { changes = append(changes, c) })

	require.False(t, m.ExistenceMap().Test(origin))
	change, err := m.AddPasses([]CellWrite{write(cx, cy, 1, 100), write(cx+1, cy, 1, 200)})
	require.NoError(t, err)
	require.Equal(t, 2, change.Passes)
	require.Equal(t, []subgridtree.Origin{origin}, change.Origins)
	require.Len(t, changes, 1)

	require.True(t, m.ExistenceMap().Test(origin))
	require.Equal(t, 1, m.LeafCount())
	v, ok := m.ReadAttribute(cx+1, cy, cellpass.CCV)
	require.True(t, ok)
	require.Equal(t, int32(200), v)
}

func TestAddPassesOutOfOrderUsesAdoption(t *testing.T) {
	m := New(uuid.New(), testOptions())
	_, err := m.AddPasses([]CellWrite{write(0, 0, 10, 10), write(0, 0, 20, 20)})
	require.NoError(t, err)

	change, err := m.AddPasses([]CellWrite{write(0, 0, 15, 15), write(0, 0, 5, 5)})
	require.NoError(t, err)
	require.Equal(t, 2, change.Passes)

	var got []int16
	for _, p := range m.Passes(0, 0) {
		got = append(got, p.CCV)
	}
	require.Equal(t, []int16{5, 10, 15, 20}, got)
}

func TestAddPassesOutOfRange(t *testing.T) {
	m := New(uuid.New(), testOptions())
	_, err := m.AddPasses([]CellWrite{write(subgridtree.MaxCellIndex+1, 0, 1, 1), write(3, 3, 1, 1)})
	require.ErrorIs(t, err, subgridtree.ErrCellOutOfRange)
	require.Equal(t, 1, m.LeafCount())
}

func TestRemovePassesClearsExistence(t *testing.T) {
	m := New(uuid.New(), testOptions())
	writes := []CellWrite{write(40, 40, 1, 1), write(41, 40, 2, 2), write(100, 100, 3, 3)}
	_, err := m.AddPasses(writes)
	require.NoError(t, err)
	require.Equal(t, 2, m.ExistenceMap().Count())

	change := m.RemovePasses(writes[:2])
	require.Equal(t, 2, change.Passes)
	require.Equal(t, []subgridtree.Origin{{X: 32, Y: 32}}, change.Emptied)
	require.False(t, m.ExistenceMap().Test(subgridtree.Origin{X: 32, Y: 32}))
	require.True(t, m.ExistenceMap().Test(subgridtree.Origin{X: 96, Y: 96}))
	require.Equal(t, 1, m.LeafCount())

	// removing again is a no-op
	require.Zero(t, m.RemovePasses(writes[:2]).Passes)
}

func TestMarkSurveyed(t *testing.T) {
	m := New(uuid.New(), testOptions())
	n := m.MarkSurveyed(subgridtree.CellExtents{MinX: 10, MinY: 10, MaxX: 40, MaxY: 20})
	require.Equal(t, 2, n)
	require.Equal(t, []subgridtree.Origin{{X: 0, Y: 0}, {X: 32, Y: 0}}, m.SurveyedExistenceMap().Origins())
	require.Zero(t, m.ExistenceMap().Count())
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	m := New(uuid.New(), testOptions())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := m.AddPasses([]CellWrite{write(uint32(w*32), 0, i, int16(i))})
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			for _, o := range m.ExistenceMap().Origins() {
				leaf, ok := m.Leaf(o)
				require.True(t, ok, "existence bit without leaf")
				require.False(t, leaf.IsEmpty())
			}
		}
	}()
	wg.Wait()

	st := m.Stats()
	require.Equal(t, 200, st.Passes)
	require.Equal(t, 4, st.Leaves)
}

func TestPersistAndLoad(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	id := uuid.New()

	m := New(id, testOptions())
	mid, err := m.Machines().Register("HW-1", "Roller 1", 2)
	require.NoError(t, err)
	require.Equal(t, uint16(1), mid)

	var writes []CellWrite
	for i := 0; i < 40; i++ {
		writes = append(writes, write(uint32(i%3), uint32(i%2), i, int16(i)))
	}
	writes = append(writes, write(5000, 5000, 1, 7))
	_, err = m.AddPasses(writes)
	require.NoError(t, err)
	m.MarkSurveyed(subgridtree.CellExtents{MinX: 64, MaxX: 64, MinY: 0, MaxY: 0})

	res, err := m.Persist(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 2, res.LeavesWritten)

	// nothing dirty the second time
	res, err = m.Persist(ctx, store)
	require.NoError(t, err)
	require.Zero(t, res.LeavesWritten)

	loaded, err := Load(ctx, store, id, testOptions())
	require.NoError(t, err)
	require.Equal(t, m.CellSize, loaded.CellSize)
	require.True(t, m.ExistenceMap().Equal(loaded.ExistenceMap()))
	require.True(t, m.SurveyedExistenceMap().Equal(loaded.SurveyedExistenceMap()))
	require.Equal(t, m.Passes(1, 1), loaded.Passes(1, 1))
	require.Equal(t, m.Passes(5000, 5000), loaded.Passes(5000, 5000))

	mc, ok := loaded.Machines().Get(1)
	require.True(t, ok)
	require.Equal(t, "HW-1", mc.HardwareID)

	// emptying a leaf deletes it from the store
	m.RemovePasses(writes[len(writes)-1:])
	res, err = m.Persist(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 1, res.LeavesDeleted)
	keys, err := store.List(ctx, id, storage.KindLeaf)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(context.Background(), memory.New(), uuid.New(), testOptions())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistryGetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := NewRegistry(store, testOptions())
	id := uuid.New()

	var mu sync.Mutex
	var changes int
	reg.Subscribe(func(Change) { mu.Lock(); changes++; mu.Unlock() })

	var wg sync.WaitGroup
	models := make([]*SiteModel, 8)
	for i := range models {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, _, err := reg.GetOrCreate(ctx, id)
			require.NoError(t, err)
			models[i] = m
		}(i)
	}
	wg.Wait()
	for _, m := range models {
		require.Same(t, models[0], m)
	}

	_, err := models[0].AddPasses([]CellWrite{write(1, 1, 1, 1)})
	require.NoError(t, err)
	require.Equal(t, 1, changes)

	_, err = reg.PersistAll(ctx)
	require.NoError(t, err)

	// a fresh registry loads the persisted model instead of creating one
	fresh := NewRegistry(store, testOptions())
	n, err := fresh.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	m, created, err := fresh.GetOrCreate(ctx, id)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 1, m.LeafCount())
}

func TestRegistryLookupNeverCreates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := NewRegistry(store, testOptions())

	m, ok, err := reg.Lookup(ctx, uuid.New())
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, m)
	require.Empty(t, reg.Projects())

	id := uuid.New()
	m, _, err = reg.GetOrCreate(ctx, id)
	require.NoError(t, err)
	_, err = m.AddPasses([]CellWrite{write(1, 1, 1, 1)})
	require.NoError(t, err)
	_, err = reg.PersistAll(ctx)
	require.NoError(t, err)

	fresh := NewRegistry(store, testOptions())
	loaded, ok, err := fresh.Lookup(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, loaded.LeafCount())
	require.Equal(t, []uuid.UUID{id}, fresh.Projects())
}

func TestMachinesRegistry(t *testing.T) {
	ms := NewMachines()
	a, err := ms.Register("A", "Alpha", 1)
	require.NoError(t, err)
	b, err := ms.Register("B", "", 0)
	require.NoError(t, err)
	again, err := ms.Register("A", "Alpha 2", 0)
	require.NoError(t, err)
	require.Equal(t, a, again)
	require.NotEqual(t, a, b)

	require.True(t, ms.Update(b, func(m *Machine) { m.GPSAccuracy = 30 }))
	require.False(t, ms.Update(99, func(*Machine) {}))

	data, err := ms.MarshalJSON()
	require.NoError(t, err)
	restored := NewMachines()
	require.NoError(t, restored.UnmarshalJSON(data))
	require.Equal(t, ms.List(), restored.List())

	c, err := restored.Register("C", "", 0)
	require.NoError(t, err)
	require.Equal(t, uint16(3), c)

	mc, _ := restored.Get(a)
	require.Equal(t, "Alpha 2", mc.Name)
}
