package resolver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
	"github.com/quarryforge/quarry/vocab"
)

// stubFetcher serves canned documents and counts fetches per uri.
type stubFetcher struct {
	docs    map[string]map[string]any
	fetched map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		docs:    map[string]map[string]any{},
		fetched: map[string]int{},
	}
}

func (f *stubFetcher) add(uri string, doc map[string]any) {
	f.docs[uri] = doc
}

func (f *stubFetcher) FetchObject(ctx context.Context, uri string, signer types.Actor) (*types.RawApObj, error) {
	f.fetched[uri]++
	doc, ok := f.docs[uri]
	if !ok {
		return nil, errors.Wrapf(types.ErrRemoteUnavailable, "no document at %s", uri)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return types.LoadAsRawApObj(body)
}

func newTestResolver(t *testing.T) (*Resolver, *store.Store, *stubFetcher) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
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

	s := store.NewStore(db)
	fetcher := newStubFetcher()
	r := NewResolver(s, fetcher, types.ApConfig{FQDN: "forge.example"})
	return r, s, fetcher
}

func personDoc(uri, username string) map[string]any {
	return map[string]any{
		"id":                uri,
		"type":              vocab.TypePerson,
		"preferredUsername": username,
		"inbox":             uri + "/inbox",
		"outbox":            uri + "/outbox",
		"followers":         uri + "/followers",
	}
}

func repositoryDoc(uri, name, owner string) map[string]any {
	return map[string]any{
		"id":           uri,
		"type":         vocab.TypeRepository,
		"name":         name,
		"attributedTo": owner,
		"inbox":        uri + "/inbox",
		"followers":    uri + "/followers",
		"cloneUri":     uri + ".git",
	}
}

func ticketDoc(uri, repo, author string) map[string]any {
	return map[string]any{
		"id":           uri,
		"type":         vocab.TypeTicket,
		"context":      repo,
		"attributedTo": author,
		"summary":      "it breaks",
		"source": map[string]any{
			"content":   "steps to reproduce",
			"mediaType": vocab.MediaTypeMarkdown,
		},
		"isResolved": false,
	}
}

func TestResolveRemoteUser(t *testing.T) {
	r, _, fetcher := newTestResolver(t)
	ctx := context.Background()

	uri := "https://other.example/apub/users/bob"
	fetcher.add(uri, personDoc(uri, "bob"))

	user, err := r.User(ctx, uri, r.Depth())
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.Equal(t, "other.example", user.Domain)
	assert.Equal(t, uri+"/inbox", user.Inbox)
	assert.False(t, user.Local)

	// second resolve hits the store
	_, err = r.User(ctx, uri, r.Depth())
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.fetched[uri])
}

func TestResolveUserRejectsWrongType(t *testing.T) {
	r, _, fetcher := newTestResolver(t)
	ctx := context.Background()

	uri := "https://other.example/apub/users/bob"
	fetcher.add(uri, map[string]any{"id": uri, "type": "Application", "inbox": uri + "/inbox"})

	_, err := r.User(ctx, uri, r.Depth())
	assert.True(t, errors.Is(err, types.ErrMalformed))
}

func TestResolveUserRequiresInbox(t *testing.T) {
	r, _, fetcher := newTestResolver(t)
	ctx := context.Background()

	uri := "https://other.example/apub/users/bob"
	fetcher.add(uri, map[string]any{"id": uri, "type": vocab.TypePerson})

	_, err := r.User(ctx, uri, r.Depth())
	assert.True(t, errors.Is(err, types.ErrMalformed))
}

func TestResolveTicketChain(t *testing.T) {
	r, _, fetcher := newTestResolver(t)
	ctx := context.Background()

	author := "https://other.example/apub/users/bob"
	owner := "https://other.example/apub/users/eve"
	repo := owner + "/repositories/widget"
	ticket := repo + "/issues/4"

	fetcher.add(author, personDoc(author, "bob"))
	fetcher.add(owner, personDoc(owner, "eve"))
	fetcher.add(repo, repositoryDoc(repo, "widget", owner))
	fetcher.add(ticket, ticketDoc(ticket, repo, author))

	got, err := r.Ticket(ctx, ticket, r.Depth())
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Number)
	assert.Equal(t, repo, got.RepositoryApID)
	assert.Equal(t, author, got.AttributedTo)
	assert.Equal(t, "steps to reproduce", got.Content)
	assert.Equal(t, types.TicketOpen, got.State)
	assert.False(t, got.Local)
}

func TestResolveDepthExhaustion(t *testing.T) {
	r, _, fetcher := newTestResolver(t)
	ctx := context.Background()

	owner := "https://other.example/apub/users/eve"
	repo := owner + "/repositories/widget"
	ticket := repo + "/issues/4"

	fetcher.add(owner, personDoc(owner, "eve"))
	fetcher.add(repo, repositoryDoc(repo, "widget", owner))
	fetcher.add(ticket, ticketDoc(ticket, repo, owner))

	// budget 1 covers the ticket itself but not its repository
	_, err := r.Ticket(ctx, ticket, 1)
	assert.True(t, errors.Is(err, types.ErrTooDeep))

	_, err = r.Ticket(ctx, ticket, 0)
	assert.True(t, errors.Is(err, types.ErrTooDeep))

	// budget 3 reaches ticket -> repository -> owner
	got, err := r.Ticket(ctx, ticket, 3)
	require.NoError(t, err)
	assert.Equal(t, repo, got.RepositoryApID)
}

func TestCommentUUID(t *testing.T) {
	known := "2f8f3f1e-58f7-4dc5-9a5b-0a4f0e2a7c11"
	assert.Equal(t, known, CommentUUID("https://other.example/apub/comments/"+known))

	minted := CommentUUID("https://other.example/apub/statuses/112233")
	assert.NotEmpty(t, minted)
	assert.NotEqual(t, "112233", minted)
}

func TestMaterializeCommentDowngradesHTML(t *testing.T) {
	r, s, fetcher := newTestResolver(t)
	ctx := context.Background()

	author := "https://other.example/apub/users/bob"
	owner := "https://other.example/apub/users/eve"
	repo := owner + "/repositories/widget"
	ticket := repo + "/issues/4"

	fetcher.add(author, personDoc(author, "bob"))
	fetcher.add(owner, personDoc(owner, "eve"))
	fetcher.add(repo, repositoryDoc(repo, "widget", owner))
	fetcher.add(ticket, ticketDoc(ticket, repo, author))

	noteURI := author + "/comments/2f8f3f1e-58f7-4dc5-9a5b-0a4f0e2a7c11"
	note := map[string]any{
		"id":           noteURI,
		"type":         vocab.TypeNote,
		"context":      ticket,
		"attributedTo": author,
		"content":      "<p>try <code>make clean</code></p>",
		"mediaType":    vocab.MediaTypeHTML,
	}
	body, err := json.Marshal(note)
	require.NoError(t, err)
	raw, err := types.LoadAsRawApObj(body)
	require.NoError(t, err)

	comment, err := r.MaterializeComment(ctx, noteURI, raw, r.Depth())
	require.NoError(t, err)
	assert.Equal(t, "2f8f3f1e-58f7-4dc5-9a5b-0a4f0e2a7c11", comment.UUID)
	assert.Equal(t, vocab.MediaTypeMarkdown, comment.MediaType)
	assert.Contains(t, comment.Content, "`make clean`")

	// materializing the same note again returns the stored row
	again, err := r.MaterializeComment(ctx, noteURI, raw, r.Depth())
	require.NoError(t, err)
	assert.Equal(t, comment.UUID, again.UUID)

	stored, err := s.GetCommentByApID(ctx, noteURI)
	require.NoError(t, err)
	assert.Equal(t, comment.UUID, stored.UUID)
}

func TestActorKey(t *testing.T) {
	r, s, fetcher := newTestResolver(t)
	ctx := context.Background()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	publicBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPem := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicBytes}))

	uri := "https://forge.example/apub/users/alice"
	_, err = s.CreateUser(ctx, types.User{
		ApID:      uri,
		Username:  "alice",
		Publickey: publicPem,
		Inbox:     uri + "/inbox",
		Local:     true,
	})
	require.NoError(t, err)

	got, err := r.ActorKey(ctx, uri+"#main-key")
	require.NoError(t, err)
	gotRSA, ok := got.(*rsa.PublicKey)
	require.True(t, ok)
	assert.True(t, key.PublicKey.Equal(gotRSA))

	// unknown signers are fetched
	remote := "https://other.example/apub/users/bob"
	doc := personDoc(remote, "bob")
	doc["publicKey"] = map[string]any{
		"id":           remote + "#main-key",
		"owner":        remote,
		"publicKeyPem": publicPem,
	}
	fetcher.add(remote, doc)

	_, err = r.ActorKey(ctx, remote+"#main-key")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.fetched[remote])

	_, err = r.ActorKey(ctx, "https://other.example/apub/users/missing#main-key")
	assert.True(t, errors.Is(err, types.ErrUnauthorized))
}
