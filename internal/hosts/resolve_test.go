package hosts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExplicitOnly(t *testing.T) {
	got, err := Resolve([]string{"h1", "h2"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, got)
}

func TestResolveExpandsRolesAndDedupes(t *testing.T) {
	defs := RoleDefs{"web": []string{"h1", "h2"}}
	got, err := Resolve([]string{"h2", "h3"}, []string{"web"}, defs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2", "h3", "h1"}, got)
}

func TestResolveExcludesWin(t *testing.T) {
	got, err := Resolve([]string{"h1", "h2", "h3"}, nil, nil, []string{"h2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h3"}, got)
}

func TestResolveUnknownRoleErrors(t *testing.T) {
	_, err := Resolve(nil, []string{"missing"}, RoleDefs{}, nil)
	require.Error(t, err)
	var resErr *ResolutionError
	assert.ErrorAs(t, err, &resErr)
	assert.Equal(t, "missing", resErr.Role)
}

func TestResolveRoleFuncError(t *testing.T) {
	defs := RoleDefs{"broken": RoleFunc(func() ([]string, error) {
		return nil, errors.New("could not reach role source")
	})}
	_, err := Resolve(nil, []string{"broken"}, defs, nil)
	require.Error(t, err)
}

func TestResolveEmptyYieldsEmpty(t *testing.T) {
	got, err := Resolve(nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
