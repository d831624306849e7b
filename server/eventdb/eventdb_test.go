package eventdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/frame"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, maxEvents int64) (*EventDB, string) {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "test_eventdb.sqlite")
	db, err := NewEventDB(logs.NewTestingLog(t), fn, maxEvents)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db, fn
}

func TestEventDB(t *testing.T) {
	db, fn := setup(t, 0)

	t0 := time.Now().Add(-time.Minute)
	person := frame.Detection{Label: "screen:person", Confidence: 0.9, Box: nn.MakeRect(1, 2, 3, 4)}
	require.NoError(t, db.AddDetections("desk", 7, t0, []frame.Detection{person}))
	require.NoError(t, db.AddMutation("desk", EventDetailMutation{Op: "insert", Stage: "overlay0", Factory: "overlay"}))
	require.NoError(t, db.AddSourceEvent("desk", EventDetailSource{Attached: true, Handle: "abc", Kind: "test"}))
	require.NoError(t, db.AddSourceEvent("other", EventDetailSource{Attached: true, Handle: "def", Kind: "test"}))

	all, err := db.Recent(Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "other", all[0].Source)

	dets, err := db.Recent(Query{EventType: EventTypeDetection})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	d := dets[0].Detail.Data.Detection
	require.Equal(t, int64(7), d.Seq)
	require.Equal(t, []frame.Detection{person}, d.Objects)
	require.Equal(t, t0.UnixMilli(), dets[0].Time.Get().UnixMilli())

	desk, err := db.Recent(Query{Source: "desk", Limit: 2})
	require.NoError(t, err)
	require.Len(t, desk, 2)
	require.Equal(t, EventTypeSource, desk[0].EventType)

	older, err := db.Recent(Query{Before: t0.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, older, 1)

	// Reopen, and make sure our data is still there
	db.Close()
	db2, err := NewEventDB(logs.NewTestingLog(t), fn, 0)
	require.NoError(t, err)
	defer db2.Close()
	n, err := db2.Count()
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestPurge(t *testing.T) {
	db, _ := setup(t, 10)
	for i := 0; i < purgeInterval+5; i++ {
		require.NoError(t, db.AddDetections("desk", int64(i), time.Now(), nil))
	}
	n, err := db.Count()
	require.NoError(t, err)
	// Purging is periodic, so a few more than 10 may remain
	require.Less(t, n, int64(purgeInterval))

	require.NoError(t, db.Purge())
	n, err = db.Count()
	require.NoError(t, err)
	require.Equal(t, int64(10), n)

	latest, err := db.Recent(Query{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, int64(purgeInterval+4), latest[0].Detail.Data.Detection.Seq)
}
