package tube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefaultTubeAlwaysExists(t *testing.T) {
	r := NewRegistry()
	d := r.Find(DefaultName)
	require.NotNil(t, d)
	assert.Equal(t, DefaultName, d.Name())
}

func TestRegistryFindOrMakeCreatesOnce(t *testing.T) {
	r := NewRegistry()
	a := r.FindOrMake("jobs")
	b := r.FindOrMake("jobs")
	assert.Same(t, a, b)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryRefcountFreesOnZero(t *testing.T) {
	r := NewRegistry()
	tb := r.FindOrMake("jobs")
	Iref(tb)
	Iref(tb)
	assert.Equal(t, uint(2), tb.Refs)

	r.Dref(tb)
	assert.NotNil(t, r.Find("jobs"))

	r.Dref(tb)
	assert.Nil(t, r.Find("jobs"))
}

func TestRegistryDefaultSurvivesZeroRefs(t *testing.T) {
	r := NewRegistry()
	d := r.Find(DefaultName)
	Iref(d)
	r.Dref(d)
	assert.Equal(t, uint(0), d.Refs)
	assert.Same(t, d, r.Find(DefaultName), "default must stay registered at zero refs")
}

func TestRegistryReassign(t *testing.T) {
	r := NewRegistry()
	a := r.FindOrMake("a")
	b := r.FindOrMake("b")
	Iref(a)

	var cur *Tube = a
	r.Reassign(&cur, b)
	assert.Same(t, b, cur)
	assert.Equal(t, uint(1), b.Refs)
	assert.Nil(t, r.Find("a"), "a should be freed once its only ref moved away")
}
