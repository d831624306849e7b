package registry

import (
	"errors"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/changedetect"
	"github.com/cyclopcam/screenguard/pkg/graph"
	"github.com/cyclopcam/screenguard/pkg/objdetect"
	"github.com/cyclopcam/screenguard/pkg/regions"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := NewDefault(logs.NewTestingLog(t), DefaultOptions{Prefix: "screen", ChangeThreshold: 3})

	list := r.List()
	require.Equal(t, KindPreprocessor, list[0].Kind)
	require.Equal(t, KindPostprocessor, list[len(list)-1].Kind)

	st, kind, err := r.Create("detector", "det1")
	require.NoError(t, err)
	require.Equal(t, KindDetector, kind)
	bin, ok := st.(*objdetect.DetectorBin)
	require.True(t, ok)
	require.Equal(t, "det1", bin.Name())
	require.Equal(t, "screen", bin.Properties()["prefix"])

	st, _, err = r.Create("changedetector", "cd")
	require.NoError(t, err)
	require.Equal(t, "3", st.(*changedetect.Stage).Properties()["threshold"])

	st, kind, err = r.Create("regions", "rg")
	require.NoError(t, err)
	require.Equal(t, KindDetector, kind)
	rg := st.(*regions.Stage)
	require.Equal(t, "screen", rg.Properties()["prefix"])
	props, err := ParseProperties("regions=0:0:10:10;20:20:5:5,active=true")
	require.NoError(t, err)
	require.NoError(t, ApplyProperties(rg, props))
	require.Len(t, rg.Regions(), 2)

	_, _, err = r.Create("teleporter", "t")
	require.Error(t, err)
	require.True(t, errors.Is(err, graph.ErrStageCreationFailed))
}

func TestRegister(t *testing.T) {
	r := New()
	f := Factory{
		Name: "x",
		Kind: KindPreprocessor,
		Create: func(instanceName string) (graph.Stage, error) {
			return nil, errors.New("Out of stock")
		},
	}
	require.NoError(t, r.Register(f))
	require.Error(t, r.Register(f))
	require.Error(t, r.Register(Factory{Name: "y", Kind: "sink", Create: f.Create}))

	_, _, err := r.Create("x", "x1")
	require.True(t, errors.Is(err, graph.ErrStageCreationFailed))
}

func TestProperties(t *testing.T) {
	props, err := ParseProperties("active=false, threshold = 10")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"active": "false", "threshold": "10"}, props)
	_, err = ParseProperties("active")
	require.Error(t, err)

	cd := changedetect.NewStage(logs.NewTestingLog(t), "cd")
	require.NoError(t, ApplyProperties(cd, props))
	require.Equal(t, "10", cd.Properties()["threshold"])
	require.Error(t, ApplyProperties(cd, map[string]string{"colour": "red"}))

	require.Error(t, ApplyProperties(graph.NewBin("bin"), props))
}
