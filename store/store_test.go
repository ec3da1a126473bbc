package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quarryforge/quarry/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// a single connection keeps every query on the same in-memory db
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&types.User{},
		&types.Repository{},
		&types.Ticket{},
		&types.Comment{},
		&types.FollowEdge{},
		&types.WatchEdge{},
		&types.StarEdge{},
		&types.ForkEdge{},
		&types.TicketSubscriber{},
		&types.Branch{},
	))
	return NewStore(db)
}

func seedUser(t *testing.T, s *Store, name string, local bool) types.User {
	t.Helper()
	host := "forge.example"
	if !local {
		host = "other.example"
	}
	apID := "https://" + host + "/apub/users/" + name
	user, err := s.CreateUser(context.Background(), types.User{
		ApID:      apID,
		Username:  name,
		Domain:    host,
		Inbox:     apID + "/inbox",
		Outbox:    apID + "/outbox",
		Followers: apID + "/followers",
		Local:     local,
	})
	require.NoError(t, err)
	return user
}

func seedRepository(t *testing.T, s *Store, owner types.User, name string) types.Repository {
	t.Helper()
	apID := owner.ApID + "/repositories/" + name
	repo, err := s.CreateRepository(context.Background(), types.Repository{
		ApID:      apID,
		Name:      name,
		Domain:    owner.Domain,
		OwnerApID: owner.ApID,
		Inbox:     apID + "/inbox",
		Followers: apID + "/followers",
		Local:     owner.Local,
	})
	require.NoError(t, err)
	return repo
}

func TestUserLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	seedUser(t, s, "bob", false)

	got, err := s.GetLocalUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ApID, got.ApID)

	// remote users are invisible to local name lookup
	_, err = s.GetLocalUserByName(ctx, "bob")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	_, err = s.GetUserByApID(ctx, "https://forge.example/apub/users/nobody")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestCreateUserDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	_, err := s.CreateUser(ctx, types.User{ApID: alice.ApID, Username: "alice2"})
	assert.True(t, errors.Is(err, types.ErrConflict))
}

func TestGetActorByApID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	repo := seedRepository(t, s, alice, "widget")

	actor, err := s.GetActorByApID(ctx, alice.ApID)
	require.NoError(t, err)
	_, isUser := actor.(types.User)
	assert.True(t, isUser)

	actor, err = s.GetActorByApID(ctx, repo.ApID)
	require.NoError(t, err)
	_, isRepo := actor.(types.Repository)
	assert.True(t, isRepo)

	_, err = s.GetActorByApID(ctx, "https://forge.example/apub/users/nobody")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestEdgeIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	bob := seedUser(t, s, "bob", false)
	repo := seedRepository(t, s, alice, "widget")

	follow := types.FollowEdge{FollowerApID: bob.ApID, FollowedApID: alice.ApID, FollowerInbox: bob.Inbox}
	require.NoError(t, s.AddFollowEdge(ctx, follow))
	assert.True(t, errors.Is(s.AddFollowEdge(ctx, follow), types.ErrConflict))

	watch := types.WatchEdge{UserApID: bob.ApID, RepositoryApID: repo.ApID, UserInbox: bob.Inbox}
	require.NoError(t, s.AddWatchEdge(ctx, watch))
	assert.True(t, errors.Is(s.AddWatchEdge(ctx, watch), types.ErrConflict))

	star := types.StarEdge{UserApID: bob.ApID, RepositoryApID: repo.ApID}
	require.NoError(t, s.AddStarEdge(ctx, star))
	assert.True(t, errors.Is(s.AddStarEdge(ctx, star), types.ErrConflict))

	sub := types.TicketSubscriber{UserApID: bob.ApID, TicketApID: repo.ApID + "/issues/1", UserInbox: bob.Inbox}
	require.NoError(t, s.AddTicketSubscriber(ctx, sub))
	assert.True(t, errors.Is(s.AddTicketSubscriber(ctx, sub), types.ErrConflict))
}

func TestTicketNumbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	repo := seedRepository(t, s, alice, "widget")

	for want := int64(1); want <= 3; want++ {
		ticket, err := s.CreateTicketNextNumber(ctx, repo.ApID, func(number int64) types.Ticket {
			return types.Ticket{
				ApID:    fmt.Sprintf("%s/issues/%d", repo.ApID, number),
				Summary: fmt.Sprintf("ticket %d", number),
				State:   types.TicketOpen,
				Local:   true,
			}
		})
		require.NoError(t, err)
		assert.Equal(t, want, ticket.Number)
		assert.Equal(t, fmt.Sprintf("%s/issues/%d", repo.ApID, want), ticket.ApID)
	}

	got, err := s.GetRepositoryByApID(ctx, repo.ApID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ItemCount)

	_, err = s.CreateTicketNextNumber(ctx, "https://forge.example/apub/users/nobody/repositories/x", func(int64) types.Ticket {
		return types.Ticket{}
	})
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestGetTicketByOfferApID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	repo := seedRepository(t, s, alice, "widget")

	offerID := "https://other.example/apub/offers/1"
	ticket, err := s.CreateTicketNextNumber(ctx, repo.ApID, func(number int64) types.Ticket {
		return types.Ticket{
			ApID:      fmt.Sprintf("%s/issues/%d", repo.ApID, number),
			OfferApID: offerID,
			State:     types.TicketOpen,
			Local:     true,
		}
	})
	require.NoError(t, err)

	found, err := s.GetTicketByOfferApID(ctx, offerID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ApID, found.ApID)

	_, err = s.GetTicketByOfferApID(ctx, "https://other.example/apub/offers/2")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	// tickets without a recorded offer never match an empty lookup
	_, err = s.GetTicketByOfferApID(ctx, "")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestCloseTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	repo := seedRepository(t, s, alice, "widget")

	ticket, err := s.CreateTicketNextNumber(ctx, repo.ApID, func(number int64) types.Ticket {
		return types.Ticket{ApID: fmt.Sprintf("%s/issues/%d", repo.ApID, number), State: types.TicketOpen, Local: true}
	})
	require.NoError(t, err)

	closed, err := s.CloseTicket(ctx, ticket.ApID, alice.ApID)
	require.NoError(t, err)
	assert.Equal(t, types.TicketClosed, closed.State)
	assert.Equal(t, alice.ApID, closed.ResolvedBy)
	require.NotNil(t, closed.Resolved)
	// the timestamp is stored in UTC, like every other timestamp, so it
	// compares equal after a database round trip
	assert.Equal(t, time.UTC, closed.Resolved.Location())
	first := *closed.Resolved

	// closing again keeps the original resolution
	again, err := s.CloseTicket(ctx, ticket.ApID, "https://other.example/apub/users/bob")
	require.NoError(t, err)
	assert.Equal(t, alice.ApID, again.ResolvedBy)
	require.NotNil(t, again.Resolved)
	assert.Equal(t, first, *again.Resolved)
}

func TestCommentDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	comment := types.Comment{
		UUID:       "2f8f3f1e-58f7-4dc5-9a5b-0a4f0e2a7c11",
		ApID:       "https://other.example/apub/users/bob/comments/2f8f3f1e-58f7-4dc5-9a5b-0a4f0e2a7c11",
		TicketApID: "https://forge.example/apub/users/alice/repositories/widget/issues/1",
		Content:    "hello",
	}
	_, err := s.CreateComment(ctx, comment)
	require.NoError(t, err)

	comment.UUID = "9a2b1c0d-0000-4000-8000-000000000000"
	_, err = s.CreateComment(ctx, comment)
	assert.True(t, errors.Is(err, types.ErrConflict))
}

func TestInboxURLsForRecipientURI(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	bob := seedUser(t, s, "bob", false)
	carol := seedUser(t, s, "carol", false)
	repo := seedRepository(t, s, alice, "widget")

	require.NoError(t, s.AddFollowEdge(ctx, types.FollowEdge{
		FollowerApID: bob.ApID, FollowedApID: alice.ApID, FollowerInbox: bob.Inbox,
	}))
	require.NoError(t, s.AddWatchEdge(ctx, types.WatchEdge{
		UserApID: carol.ApID, RepositoryApID: repo.ApID, UserInbox: carol.Inbox,
	}))

	ticket, err := s.CreateTicketNextNumber(ctx, repo.ApID, func(number int64) types.Ticket {
		id := fmt.Sprintf("%s/issues/%d", repo.ApID, number)
		return types.Ticket{ApID: id, FollowersURI: id + "/followers", State: types.TicketOpen, Local: true}
	})
	require.NoError(t, err)
	require.NoError(t, s.AddTicketSubscriber(ctx, types.TicketSubscriber{
		UserApID: bob.ApID, TicketApID: ticket.ApID, UserInbox: bob.Inbox,
	}))

	inboxes, err := s.InboxURLsForRecipientURI(ctx, alice.Followers, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.Inbox}, inboxes)

	inboxes, err = s.InboxURLsForRecipientURI(ctx, repo.Followers, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{carol.Inbox}, inboxes)

	inboxes, err = s.InboxURLsForRecipientURI(ctx, ticket.FollowersURI, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.Inbox}, inboxes)

	inboxes, err = s.InboxURLsForRecipientURI(ctx, ticket.ApID, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.Inbox}, inboxes)

	inboxes, err = s.InboxURLsForRecipientURI(ctx, alice.ApID, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.Inbox}, inboxes)

	inboxes, err = s.InboxURLsForRecipientURI(ctx, "https://www.w3.org/ns/activitystreams#Public", NoLimit)
	require.NoError(t, err)
	assert.Empty(t, inboxes)
}

func TestBranches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice", true)
	repo := seedRepository(t, s, alice, "widget")

	require.NoError(t, s.UpsertBranch(ctx, types.Branch{RepositoryApID: repo.ApID, Name: "main", IsDefault: true}))
	require.NoError(t, s.UpsertBranch(ctx, types.Branch{RepositoryApID: repo.ApID, Name: "dev"}))
	// upserting an existing branch is a no-op
	require.NoError(t, s.UpsertBranch(ctx, types.Branch{RepositoryApID: repo.ApID, Name: "main"}))

	branches, err := s.ListBranches(ctx, repo.ApID)
	require.NoError(t, err)
	require.Len(t, branches, 2)

	require.NoError(t, s.SetDefaultBranch(ctx, repo.ApID, "dev"))
	def, err := s.GetDefaultBranch(ctx, repo.ApID)
	require.NoError(t, err)
	assert.Equal(t, "dev", def.Name)

	defaults := 0
	branches, err = s.ListBranches(ctx, repo.ApID)
	require.NoError(t, err)
	for _, b := range branches {
		if b.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)

	err = s.SetDefaultBranch(ctx, repo.ApID, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
