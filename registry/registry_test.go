// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterReplacesPriorSet(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/a.json", Name: "a"}})
	r.Register("api", []ResourceInput{{URI: "/b.json", Name: "b"}})

	got := r.GetServerResources("api")
	require.Len(t, got, 1)
	require.Equal(t, "/b.json", got[0].URI)
}

func TestResolveFullURI(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/users.json", Name: "users"}})
	res, ok := r.Resolve("mcp://api/users.json")
	require.True(t, ok)
	require.Equal(t, "api", res.Server)
	require.Equal(t, "/users.json", res.Resource.URI)
}

func TestResolveColonForm(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/users.json", Name: "users"}})
	res, ok := r.Resolve("api:/users.json")
	require.True(t, ok)
	require.Equal(t, "api", res.Server)
}

func TestResolveBareFirstMatch(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/users.json", Name: "users"}})
	res, ok := r.Resolve("/users.json")
	require.True(t, ok)
	require.Equal(t, "api", res.Server)
}

func TestResolveMissing(t *testing.T) {
	r := New()
	_, ok := r.Resolve("mcp://api/nope.json")
	require.False(t, ok)
}

func TestResolveGlob(t *testing.T) {
	r := New()
	r.Register("s1", []ResourceInput{
		{URI: "/logs/2024-01.json"},
		{URI: "/logs/2024-02.json"},
	})
	r.Register("s2", []ResourceInput{{URI: "/logs/2024-01.json"}})

	got := r.ResolveGlob("mcp://s1/logs/*.json")
	require.Len(t, got, 2)
	for _, g := range got {
		require.Equal(t, "s1", g.Server)
	}
}

func TestMarkAndIsCached(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/a.json"}})
	full := "mcp://api/a.json"
	require.False(t, r.IsCached(full))
	r.MarkCached(full)
	require.True(t, r.IsCached(full))
}

func TestClearServerAndClearAll(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/a.json"}})
	r.Register("other", []ResourceInput{{URI: "/b.json"}})
	r.ClearServer("api")
	require.Empty(t, r.GetServerResources("api"))
	require.Len(t, r.GetAllResources(), 1)

	r.ClearAll()
	require.Empty(t, r.GetAllResources())
}

func TestSearch(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/users.json", Name: "users"}})
	got := r.Search("user")
	require.Len(t, got, 1)
	got2 := r.Search("*.json")
	require.Len(t, got2, 1)
}

func TestExportImportRoundTrip(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/a.json", Name: "a"}})
	snap := r.Export()

	r2 := New()
	r2.Import(snap)
	require.Equal(t, r.GetAllResources(), r2.GetAllResources())
}

func TestFullURIDerivable(t *testing.T) {
	r := New()
	r.Register("api", []ResourceInput{{URI: "/a.json"}})
	res := r.GetServerResources("api")[0]
	require.Equal(t, "mcp://api/a.json", res.FullURI)
}
