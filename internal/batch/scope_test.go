package batch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	ended int
}

func (c *counter) EndBatch() { c.ended++ }

func TestMemoOutsideBatchAlwaysRecomputes(t *testing.T) {
	scope := New()
	calls := 0
	fn := func() (int, error) { calls++; return calls, nil }

	first, err := Memo(scope, "k", fn)
	require.NoError(t, err)
	second, err := Memo(scope, "k", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestNestedScopesShareEntriesUntilOutermostExit(t *testing.T) {
	scope := New()
	calls := 0
	fn := func() (int, error) { calls++; return calls, nil }

	exitOuter := scope.Enter()
	v, _ := Memo(scope, "k", fn)
	assert.Equal(t, 1, v)

	exitInner := scope.Enter()
	v, _ = Memo(scope, "k", fn)
	assert.Equal(t, 1, v, "inner scope must reuse the outer entry")
	exitInner()

	v, _ = Memo(scope, "k", fn)
	assert.Equal(t, 1, v, "inner exit must not drop entries")

	exitOuter()
	assert.False(t, scope.Active())

	exitAgain := scope.Enter()
	defer exitAgain()
	v, _ = Memo(scope, "k", fn)
	assert.Equal(t, 2, v, "entries are dropped when the outermost scope exits")
}

func TestEndBatchHookRunsOnceAtOutermostExit(t *testing.T) {
	scope := New()
	c := &counter{}

	exitOuter := scope.Enter()
	exitInner := scope.Enter()
	_, err := Memo(scope, "c", func() (*counter, error) { return c, nil })
	require.NoError(t, err)

	exitInner()
	assert.Equal(t, 0, c.ended)
	exitOuter()
	exitOuter()
	assert.Equal(t, 1, c.ended)
}

func TestErrorsAreNotCached(t *testing.T) {
	scope := New()
	exit := scope.Enter()
	defer exit()

	boom := errors.New("boom")
	_, err := Memo(scope, "k", func() (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	v, err := Memo(scope, "k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestInvalidateByUserPrefix(t *testing.T) {
	scope := New()
	exit := scope.Enter()
	defer exit()

	calls := 0
	fn := func() (int, error) { calls++; return calls, nil }

	_, _ = Memo(scope, UserKey("u1", "remainders"), fn)
	_, _ = Memo(scope, UserKey("u2", "remainders"), fn)

	scope.Invalidate(UserKey("u1", ""))

	v1, _ := Memo(scope, UserKey("u1", "remainders"), fn)
	v2, _ := Memo(scope, UserKey("u2", "remainders"), fn)
	assert.Equal(t, 3, v1)
	assert.Equal(t, 2, v2)
}

func TestNilScopeComputesDirectly(t *testing.T) {
	var scope *Scope
	v, err := Memo(scope, "k", func() (string, error) { return "x", nil })
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	scope.Invalidate("k")
}
