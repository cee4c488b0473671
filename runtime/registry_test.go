package runtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register_And_Lookup(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	connID := uuid.NewString()

	// Given an empty registry
	_, ok := registry.Lookup(connID)
	req.False(ok)

	// When a connection registers
	registry.Register(connID, Binding{UserID: "alice", SessionID: "s1", Authenticated: true})

	// Then it resolves with its identity intact
	b, ok := registry.Lookup(connID)
	req.True(ok)
	req.Equal("alice", b.UserID)
	req.True(b.Authenticated)
	req.Equal([]string{connID}, registry.LiveConnections("alice", true))
}

func TestRegistry_LiveConnections_Filters_Unauthenticated(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	registry.Register("c1", Binding{UserID: "alice", Authenticated: true})
	registry.Register("c2", Binding{UserID: "alice", Authenticated: false})

	req.Len(registry.LiveConnections("alice", false), 2)
	req.Equal([]string{"c1"}, registry.LiveConnections("alice", true))
}

func TestRegistry_Unregister_Cleans_Per_User_Set(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	connID := uuid.NewString()

	registry.Register(connID, Binding{UserID: "alice"})
	registry.Unregister(connID)

	_, ok := registry.Lookup(connID)
	req.False(ok)
	req.Empty(registry.LiveConnections("alice", false))
}

func TestRegistry_Register_Moves_Connection_Between_Users(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	connID := uuid.NewString()

	// Given a connection bound to alice
	registry.Register(connID, Binding{UserID: "alice"})

	// When it re-registers as bob
	registry.Register(connID, Binding{UserID: "bob"})

	// Then alice no longer owns it
	req.Empty(registry.LiveConnections("alice", false))
	req.Equal([]string{connID}, registry.LiveConnections("bob", false))
}

func TestRegistry_UnregisterUser_Drops_All_Connections(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	registry.Register("c1", Binding{UserID: "alice"})
	registry.Register("c2", Binding{UserID: "alice"})

	dropped := registry.UnregisterUser("alice")
	req.Len(dropped, 2)
	req.Empty(registry.LiveConnections("alice", false))
	_, ok := registry.Lookup("c1")
	req.False(ok)
}
