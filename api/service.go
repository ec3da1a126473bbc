package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/quarryforge/quarry/apclient"
	"github.com/quarryforge/quarry/apub"
	"github.com/quarryforge/quarry/delivery"
	"github.com/quarryforge/quarry/resolver"
	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
	"github.com/quarryforge/quarry/vocab"
)

// Service implements the management surface: provisioning local actors and
// performing federated actions on their behalf. Actions on local targets take
// the same path as remote ones; the delivery queue short-circuits inboxes
// this instance owns.
type Service struct {
	store    *store.Store
	resolver *resolver.Resolver
	queue    delivery.Enqueuer
	ns       apub.Namespace
	config   types.ApConfig
}

func NewService(
	store *store.Store,
	resolver *resolver.Resolver,
	queue delivery.Enqueuer,
	config types.ApConfig,
) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		queue:    queue,
		ns:       apub.NewNamespace(config),
		config:   config,
	}
}

// generateKeypair mints an actor keypair. The private key never leaves the
// database row.
func generateKeypair() (publicPem, privatePem string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", errors.Wrap(types.ErrInternal, err.Error())
	}

	private := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	publicBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", errors.Wrap(types.ErrInternal, err.Error())
	}
	public := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicBytes,
	})

	return string(public), string(private), nil
}

// CreateUser provisions a local user actor with a fresh keypair.
func (s *Service) CreateUser(ctx context.Context, username, displayName string) (types.User, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.CreateUser")
	defer span.End()

	if username == "" || strings.ContainsAny(username, "/@ ") {
		return types.User{}, errors.Wrapf(types.ErrMalformed, "invalid username %q", username)
	}

	public, private, err := generateKeypair()
	if err != nil {
		return types.User{}, err
	}

	id := s.ns.User(username)
	user := types.User{
		ApID:        id.String(),
		Username:    username,
		Domain:      s.config.FQDN,
		DisplayName: displayName,
		Publickey:   public,
		Privatekey:  private,
		Inbox:       id.Inbox(),
		Outbox:      id.String() + "/outbox",
		Followers:   id.Followers(),
		Local:       true,
	}

	created, err := s.store.CreateUser(ctx, user)
	if err != nil {
		span.RecordError(err)
		return types.User{}, err
	}
	return created, nil
}

// CreateRepository provisions a local repository actor owned by an existing
// local user. The repository starts empty with a main default branch.
func (s *Service) CreateRepository(ctx context.Context, username, reponame, cloneURI string) (types.Repository, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.CreateRepository")
	defer span.End()

	if reponame == "" || strings.ContainsAny(reponame, "/@ ") {
		return types.Repository{}, errors.Wrapf(types.ErrMalformed, "invalid repository name %q", reponame)
	}

	owner, err := s.store.GetLocalUserByName(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.Repository{}, err
	}

	public, private, err := generateKeypair()
	if err != nil {
		return types.Repository{}, err
	}

	id := s.ns.Repository(owner.Username, reponame)
	if cloneURI == "" {
		cloneURI = id.String() + ".git"
	}
	repo := types.Repository{
		ApID:             id.String(),
		Name:             reponame,
		Domain:           s.config.FQDN,
		OwnerApID:        owner.ApID,
		CloneURI:         cloneURI,
		TicketsTrackedBy: id.String(),
		SendPatchesTo:    id.Inbox(),
		Publickey:        public,
		Privatekey:       private,
		Inbox:            id.Inbox(),
		Outbox:           id.String() + "/outbox",
		Followers:        id.Followers(),
		Published:        time.Now().UTC(),
		Local:            true,
	}

	created, err := s.store.CreateRepository(ctx, repo)
	if err != nil {
		span.RecordError(err)
		return types.Repository{}, err
	}

	err = s.store.UpsertBranch(ctx, types.Branch{
		RepositoryApID: created.ApID,
		Name:           "main",
		IsDefault:      true,
	})
	if err != nil {
		span.RecordError(err)
		return types.Repository{}, err
	}
	return created, nil
}

// -

// resolveUserRef accepts either handle notation or an apub id.
func (s *Service) resolveUserRef(ctx context.Context, ref string) (types.User, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		uri, err := apclient.ResolveActor(ctx, ref)
		if err != nil {
			return types.User{}, err
		}
		ref = uri
	}
	return s.resolver.User(ctx, ref, s.resolver.Depth())
}

func (s *Service) resolveRepositoryRef(ctx context.Context, ref string) (types.Repository, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		uri, err := apclient.ResolveActor(ctx, ref)
		if err != nil {
			return types.Repository{}, err
		}
		ref = uri
	}
	return s.resolver.Repository(ctx, ref, s.resolver.Depth())
}

func (s *Service) requester(ctx context.Context, username string) (types.User, error) {
	if username == "" {
		return types.User{}, errors.Wrap(types.ErrUnauthorized, "no requester")
	}
	return s.store.GetLocalUserByName(ctx, username)
}

// send serializes the activity and hands it to the delivery queue. The
// signing actor's key travels inside the envelope so receivers can check the
// signature without a fetch.
func (s *Service) send(ctx context.Context, signer types.Actor, activity types.ApObject, inboxes ...string) error {
	activity.PublicKey = &types.Key{
		ID:           signer.ActorApID() + vocab.KeyFragment,
		Type:         "Key",
		Owner:        signer.ActorApID(),
		PublicKeyPem: signer.PublicKeyPem(),
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return errors.Wrap(types.ErrInternal, err.Error())
	}
	return s.queue.Enqueue(ctx, signer, body, inboxes)
}

func (s *Service) mintActivityID(actor types.User, kind string) string {
	return actor.ApID + "/" + kind + "/" + uuid.New().String()
}

// -

// FollowUser subscribes a local user to another user's activities. target is
// a handle or an apub id.
func (s *Service) FollowUser(ctx context.Context, username, target string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.FollowUser")
	defer span.End()

	user, err := s.requester(ctx, username)
	if err != nil {
		span.RecordError(err)
		return err
	}
	followed, err := s.resolveUserRef(ctx, target)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if followed.ApID == user.ApID {
		return errors.Wrap(types.ErrMalformed, "cannot follow yourself")
	}

	// the edge is committed before the activity leaves; the receiving side
	// inserts the same row, so a duplicate reads as success
	err = s.store.AddFollowEdge(ctx, types.FollowEdge{
		FollowerApID:  user.ApID,
		FollowedApID:  followed.ApID,
		FollowerInbox: user.Inbox,
	})
	if err != nil && !errors.Is(err, types.ErrConflict) {
		span.RecordError(err)
		return err
	}

	return s.send(ctx, user, types.ApObject{
		Context: vocab.Context(),
		Type:    vocab.TypeFollow,
		ID:      s.mintActivityID(user, "follows"),
		Actor:   user.ApID,
		Object:  followed.ApID,
		To:      []string{followed.ApID},
	}, followed.Inbox)
}

// WatchRepo subscribes a local user to a repository's ticket activity.
func (s *Service) WatchRepo(ctx context.Context, username, target string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.WatchRepo")
	defer span.End()

	user, err := s.requester(ctx, username)
	if err != nil {
		span.RecordError(err)
		return err
	}
	repo, err := s.resolveRepositoryRef(ctx, target)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = s.store.AddWatchEdge(ctx, types.WatchEdge{
		UserApID:       user.ApID,
		RepositoryApID: repo.ApID,
		UserInbox:      user.Inbox,
	})
	if err != nil && !errors.Is(err, types.ErrConflict) {
		span.RecordError(err)
		return err
	}

	return s.send(ctx, user, types.ApObject{
		Context:    vocab.Context(),
		Type:       vocab.TypeWatch,
		ID:         s.mintActivityID(user, "watches"),
		Actor:      user.ApID,
		User:       user.ApID,
		Repository: repo.ApID,
		Object:     repo.ApID,
		To:         []string{repo.ApID},
	}, repo.Inbox)
}

// StarRepo records a star on a repository.
func (s *Service) StarRepo(ctx context.Context, username, target string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.StarRepo")
	defer span.End()

	user, err := s.requester(ctx, username)
	if err != nil {
		span.RecordError(err)
		return err
	}
	repo, err := s.resolveRepositoryRef(ctx, target)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = s.store.AddStarEdge(ctx, types.StarEdge{
		UserApID:       user.ApID,
		RepositoryApID: repo.ApID,
	})
	if err != nil && !errors.Is(err, types.ErrConflict) {
		span.RecordError(err)
		return err
	}

	return s.send(ctx, user, types.ApObject{
		Context:    vocab.Context(),
		Type:       vocab.TypeStar,
		ID:         s.mintActivityID(user, "stars"),
		Actor:      user.ApID,
		User:       user.ApID,
		Repository: repo.ApID,
		Object:     repo.ApID,
		To:         []string{repo.ApID},
	}, repo.Inbox)
}

// ForkRepo provisions a local fork of a repository and announces it to the
// origin.
func (s *Service) ForkRepo(ctx context.Context, username, target, forkName string) (types.Repository, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ForkRepo")
	defer span.End()

	user, err := s.requester(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.Repository{}, err
	}
	origin, err := s.resolveRepositoryRef(ctx, target)
	if err != nil {
		span.RecordError(err)
		return types.Repository{}, err
	}

	if forkName == "" {
		forkName = origin.Name
	}
	fork, err := s.CreateRepository(ctx, username, forkName, "")
	if err != nil {
		span.RecordError(err)
		return types.Repository{}, err
	}

	err = s.send(ctx, user, types.ApObject{
		Context:    vocab.Context(),
		Type:       vocab.TypeFork,
		ID:         s.mintActivityID(user, "forks"),
		Actor:      user.ApID,
		Repository: origin.ApID,
		Fork:       fork.ApID,
		ForkedBy:   user.ApID,
		Object:     fork.ApID,
		To:         []string{origin.ApID},
	}, origin.Inbox)
	if err != nil {
		span.RecordError(err)
		return types.Repository{}, err
	}
	return fork, nil
}

// CreateIssue offers a ticket to a repository's tracker. The Offer goes to
// the repository inbox whether the tracker is this instance or a remote one;
// the tracker assigns the number and answers with an Accept.
func (s *Service) CreateIssue(ctx context.Context, username, target, summary, content string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.CreateIssue")
	defer span.End()

	user, err := s.requester(ctx, username)
	if err != nil {
		span.RecordError(err)
		return err
	}
	repo, err := s.resolveRepositoryRef(ctx, target)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if summary == "" {
		return errors.Wrap(types.ErrMalformed, "issue has no summary")
	}

	return s.send(ctx, user, types.ApObject{
		Context: vocab.Context(),
		Type:    vocab.TypeOffer,
		ID:      s.mintActivityID(user, "offers"),
		Actor:   user.ApID,
		Target:  repo.ApID,
		To:      []string{repo.ApID},
		Object: types.ApObject{
			Type:         vocab.TypeTicket,
			AttributedTo: user.ApID,
			Summary:      summary,
			Content:      content,
			MediaType:    vocab.MediaTypeMarkdown,
			Source: &types.ApSource{
				Content:   content,
				MediaType: vocab.MediaTypeMarkdown,
			},
		},
	}, repo.Inbox)
}

// CommentIssue posts a comment on a ticket. The comment is stored locally
// and the Create fans out to the ticket's subscribers, the repository's
// watchers and the author's followers; a remote tracker also receives it for
// forwarding on its side.
func (s *Service) CommentIssue(ctx context.Context, username, ticketURI, content string) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.CommentIssue")
	defer span.End()

	user, err := s.requester(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.Comment{}, err
	}
	ticket, err := s.resolver.Ticket(ctx, ticketURI, s.resolver.Depth())
	if err != nil {
		span.RecordError(err)
		return types.Comment{}, err
	}
	if content == "" {
		return types.Comment{}, errors.Wrap(types.ErrMalformed, "comment has no content")
	}

	id := uuid.New().String()
	apID, err := s.commentApID(ctx, ticket, user, id)
	if err != nil {
		span.RecordError(err)
		return types.Comment{}, err
	}

	comment := types.Comment{
		UUID:         id,
		ApID:         apID,
		TicketApID:   ticket.ApID,
		AttributedTo: user.ApID,
		Content:      content,
		MediaType:    vocab.MediaTypeMarkdown,
		Published:    time.Now().UTC(),
	}
	created, err := s.store.CreateComment(ctx, comment)
	if err != nil {
		span.RecordError(err)
		return types.Comment{}, err
	}

	err = s.store.AddTicketSubscriber(ctx, types.TicketSubscriber{
		UserApID:   user.ApID,
		TicketApID: ticket.ApID,
		UserInbox:  user.Inbox,
	})
	if err != nil && !errors.Is(err, types.ErrConflict) {
		span.RecordError(err)
		return types.Comment{}, err
	}

	activity := types.ApObject{
		Context: vocab.Context(),
		Type:    vocab.TypeCreate,
		ID:      created.ApID + "/create",
		Actor:   user.ApID,
		To:      []string{ticket.FollowersURI, user.Followers},
		Object: types.ApObject{
			Type:          vocab.TypeNote,
			ID:            created.ApID,
			TicketContext: ticket.ApID,
			AttributedTo:  user.ApID,
			Content:       created.Content,
			MediaType:     created.MediaType,
			Source: &types.ApSource{
				Content:   created.Content,
				MediaType: created.MediaType,
			},
			Published: created.Published.UTC().Format(time.RFC3339),
		},
	}

	inboxes, err := s.commentAudience(ctx, ticket, user)
	if err != nil {
		span.RecordError(err)
		return types.Comment{}, err
	}
	if len(inboxes) > 0 {
		if err := s.send(ctx, user, activity, inboxes...); err != nil {
			span.RecordError(err)
			return types.Comment{}, err
		}
	}
	return created, nil
}

// commentApID picks the id a new comment is served under. Comments on local
// tickets live under the ticket; comments on remote tickets live under the
// author, since the ticket path belongs to the remote tracker.
func (s *Service) commentApID(ctx context.Context, ticket types.Ticket, author types.User, id string) (string, error) {
	if !ticket.Local {
		return author.ApID + "/comments/" + id, nil
	}

	repo, err := s.store.GetRepositoryByApID(ctx, ticket.RepositoryApID)
	if err != nil {
		return "", err
	}
	owner, err := s.store.GetUserByApID(ctx, repo.OwnerApID)
	if err != nil {
		return "", err
	}
	return s.ns.IssueComment(owner.Username, repo.Name, ticket.Number, id).String(), nil
}

func (s *Service) commentAudience(ctx context.Context, ticket types.Ticket, author types.User) ([]string, error) {
	inboxes, err := s.store.TicketSubscriberInboxes(ctx, ticket.ApID, store.NoLimit, 0)
	if err != nil {
		return nil, err
	}

	repo, err := s.store.GetRepositoryByApID(ctx, ticket.RepositoryApID)
	if err == nil {
		watchers, err := s.store.WatcherInboxes(ctx, repo.ApID, store.NoLimit, 0)
		if err != nil {
			return nil, err
		}
		inboxes = append(inboxes, watchers...)
		if !repo.Local {
			inboxes = append(inboxes, repo.Inbox)
		}
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	followers, err := s.store.FollowerInboxes(ctx, author.ApID, store.NoLimit, 0)
	if err != nil {
		return nil, err
	}
	inboxes = append(inboxes, followers...)

	filtered := inboxes[:0]
	for _, inbox := range inboxes {
		if inbox != author.Inbox {
			filtered = append(filtered, inbox)
		}
	}
	return filtered, nil
}

// CloseIssue resolves a ticket hosted on this instance. Only the ticket
// author or the repository owner may close it.
func (s *Service) CloseIssue(ctx context.Context, username, ticketURI string) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.CloseIssue")
	defer span.End()

	user, err := s.requester(ctx, username)
	if err != nil {
		span.RecordError(err)
		return types.Ticket{}, err
	}
	ticket, err := s.resolver.TicketLocal(ctx, ticketURI)
	if err != nil {
		span.RecordError(err)
		return types.Ticket{}, err
	}
	if !ticket.Local {
		return types.Ticket{}, errors.Wrapf(types.ErrMalformed, "ticket %s is tracked elsewhere", ticketURI)
	}

	repo, err := s.store.GetRepositoryByApID(ctx, ticket.RepositoryApID)
	if err != nil {
		span.RecordError(err)
		return types.Ticket{}, err
	}
	if user.ApID != ticket.AttributedTo && user.ApID != repo.OwnerApID {
		return types.Ticket{}, errors.Wrapf(types.ErrUnauthorized, "%s cannot close %s", user.ApID, ticketURI)
	}

	closed, err := s.store.CloseTicket(ctx, ticket.ApID, user.ApID)
	if err != nil {
		span.RecordError(err)
		return types.Ticket{}, err
	}
	return closed, nil
}

// ListIssueComments returns a ticket's stored comments in publish order.
func (s *Service) ListIssueComments(ctx context.Context, ticketURI string, limit, offset int) ([]types.Comment, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ListIssueComments")
	defer span.End()

	return s.store.ListTicketComments(ctx, ticketURI, limit, offset)
}

// -

// SetDefaultBranch records which branch a repository advertises as default.
func (s *Service) SetDefaultBranch(ctx context.Context, username, reponame, branch string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.SetDefaultBranch")
	defer span.End()

	user, err := s.requester(ctx, username)
	if err != nil {
		span.RecordError(err)
		return err
	}
	repo, err := s.store.GetLocalRepositoryByName(ctx, user.ApID, reponame)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.store.UpsertBranch(ctx, types.Branch{RepositoryApID: repo.ApID, Name: branch}); err != nil {
		span.RecordError(err)
		return err
	}
	return s.store.SetDefaultBranch(ctx, repo.ApID, branch)
}

// ListBranches returns a repository's known branches.
func (s *Service) ListBranches(ctx context.Context, username, reponame string) ([]types.Branch, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ListBranches")
	defer span.End()

	user, err := s.store.GetLocalUserByName(ctx, username)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	repo, err := s.store.GetLocalRepositoryByName(ctx, user.ApID, reponame)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.store.ListBranches(ctx, repo.ApID)
}
