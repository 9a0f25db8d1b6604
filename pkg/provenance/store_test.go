package provenance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
)

func TestCreateAndGet(t *testing.T) {
	s := NewStore(nil, nil)

	d := s.Create("hello", models.SourceUser, models.TrustTrusted, "api")
	require.NotEmpty(t, d.ID)

	got := s.Get(d.ID)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, models.TrustTrusted, got.TrustLevel)
	assert.Equal(t, models.SourceUser, got.Source)
}

func TestWorkerOutputAlwaysUntrusted(t *testing.T) {
	s := NewStore(nil, nil)

	d := s.Create("output", models.SourceWorker, models.TrustTrusted, "pipeline")
	assert.Equal(t, models.TrustUntrusted, d.TrustLevel)
}

func TestTrustInheritanceFromUntrustedParent(t *testing.T) {
	s := NewStore(nil, nil)

	parent := s.Create("tainted", models.SourceWorker, models.TrustUntrusted, "")
	child := s.Create("derived", models.SourceTool, models.TrustTrusted, "", parent.ID)

	assert.Equal(t, models.TrustUntrusted, child.TrustLevel)
}

func TestIsTrustSafeForExecution(t *testing.T) {
	s := NewStore(nil, nil)

	trusted := s.Create("a", models.SourceUser, models.TrustTrusted, "")
	assert.True(t, s.IsTrustSafeForExecution(trusted.ID))

	untrusted := s.Create("b", models.SourceWorker, models.TrustUntrusted, "")
	assert.False(t, s.IsTrustSafeForExecution(untrusted.ID))

	// A trusted child of an untrusted ancestor is unsafe.
	mid := s.Create("c", models.SourceTool, models.TrustTrusted, "", untrusted.ID)
	leaf := s.Create("d", models.SourceTool, models.TrustTrusted, "", mid.ID)
	assert.False(t, s.IsTrustSafeForExecution(leaf.ID))
}

func TestUnknownIDIsUnsafe(t *testing.T) {
	s := NewStore(nil, nil)
	assert.False(t, s.IsTrustSafeForExecution("no-such-id"))
}

func TestChainWalksAllAncestors(t *testing.T) {
	s := NewStore(nil, nil)

	a := s.Create("a", models.SourceUser, models.TrustTrusted, "")
	b := s.Create("b", models.SourceUser, models.TrustTrusted, "", a.ID)
	c := s.Create("c", models.SourceTool, models.TrustTrusted, "", b.ID, a.ID)

	chain := s.Chain(c.ID)
	require.Len(t, chain, 3)
	assert.Equal(t, c.ID, chain[0].ID)
}

func TestFileProvenance(t *testing.T) {
	s := NewStore(nil, nil)

	d := s.Create("script", models.SourceWorker, models.TrustUntrusted, "")
	s.RecordFileWrite("/work/out.sh", d.ID)

	assert.Equal(t, d.ID, s.FileWriter("/work/out.sh"))
	assert.Empty(t, s.FileWriter("/work/other.txt"))

	// Last writer wins.
	d2 := s.Create("fixed", models.SourceUser, models.TrustTrusted, "")
	s.RecordFileWrite("/work/out.sh", d2.ID)
	assert.Equal(t, d2.ID, s.FileWriter("/work/out.sh"))
}

func TestReset(t *testing.T) {
	s := NewStore(nil, nil)

	d := s.Create("a", models.SourceUser, models.TrustTrusted, "")
	s.RecordFileWrite("/tmp/f", d.ID)
	s.Reset()

	assert.Nil(t, s.Get(d.ID))
	assert.Empty(t, s.FileWriter("/tmp/f"))
}
