package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/quarryforge/quarry/types"
)

var tracer = otel.Tracer("store")

// NoLimit requests every row of a paginated listing.
const NoLimit = -1

// Store is the persistence port of the federation core. All shared mutable
// state lives behind it; concurrency control is delegated to the database.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store. The handed gorm.DB must be opened with
// TranslateError so duplicate keys surface as gorm.ErrDuplicatedKey.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.Wrap(types.ErrNotFound, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Wrap(types.ErrConflict, err.Error())
	default:
		return errors.Wrap(types.ErrInternal, err.Error())
	}
}

// ---------------------------------------------------------------------
// Users

func (s *Store) GetUserByApID(ctx context.Context, apID string) (types.User, error) {
	ctx, span := tracer.Start(ctx, "StoreGetUserByApID")
	defer span.End()

	var user types.User
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&user)
	return user, translate(result.Error)
}

// GetLocalUserByName looks up a local account by username.
func (s *Store) GetLocalUserByName(ctx context.Context, username string) (types.User, error) {
	ctx, span := tracer.Start(ctx, "StoreGetLocalUserByName")
	defer span.End()

	var user types.User
	result := s.db.WithContext(ctx).Where("username = ? AND local = ?", username, true).First(&user)
	return user, translate(result.Error)
}

func (s *Store) CreateUser(ctx context.Context, user types.User) (types.User, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateUser")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&user)
	return user, translate(result.Error)
}

// SaveUser overwrites the mutable fields of an existing row. The numeric id
// and edges referencing the ApID are preserved.
func (s *Store) SaveUser(ctx context.Context, user types.User) (types.User, error) {
	ctx, span := tracer.Start(ctx, "StoreSaveUser")
	defer span.End()

	result := s.db.WithContext(ctx).Save(&user)
	return user, translate(result.Error)
}

// ---------------------------------------------------------------------
// Repositories

func (s *Store) GetRepositoryByApID(ctx context.Context, apID string) (types.Repository, error) {
	ctx, span := tracer.Start(ctx, "StoreGetRepositoryByApID")
	defer span.End()

	var repo types.Repository
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&repo)
	return repo, translate(result.Error)
}

// GetLocalRepositoryByName looks up a local repository by owner ap id and
// repository name.
func (s *Store) GetLocalRepositoryByName(ctx context.Context, ownerApID, name string) (types.Repository, error) {
	ctx, span := tracer.Start(ctx, "StoreGetLocalRepositoryByName")
	defer span.End()

	var repo types.Repository
	result := s.db.WithContext(ctx).
		Where("owner_ap_id = ? AND name = ? AND local = ?", ownerApID, name, true).
		First(&repo)
	return repo, translate(result.Error)
}

func (s *Store) CreateRepository(ctx context.Context, repo types.Repository) (types.Repository, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateRepository")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&repo)
	return repo, translate(result.Error)
}

func (s *Store) SaveRepository(ctx context.Context, repo types.Repository) (types.Repository, error) {
	ctx, span := tracer.Start(ctx, "StoreSaveRepository")
	defer span.End()

	result := s.db.WithContext(ctx).Save(&repo)
	return repo, translate(result.Error)
}

// GetActorByApID resolves an apub id to whichever actor kind owns it.
func (s *Store) GetActorByApID(ctx context.Context, apID string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByApID")
	defer span.End()

	user, err := s.GetUserByApID(ctx, apID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	repo, err := s.GetRepositoryByApID(ctx, apID)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// ---------------------------------------------------------------------
// Tickets

func (s *Store) GetTicketByApID(ctx context.Context, apID string) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "StoreGetTicketByApID")
	defer span.End()

	var ticket types.Ticket
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&ticket)
	return ticket, translate(result.Error)
}

func (s *Store) GetTicketByNumber(ctx context.Context, repoApID string, number int64) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "StoreGetTicketByNumber")
	defer span.End()

	var ticket types.Ticket
	result := s.db.WithContext(ctx).
		Where("repository_ap_id = ? AND number = ?", repoApID, number).
		First(&ticket)
	return ticket, translate(result.Error)
}

// CreateTicket inserts a ticket whose number was assigned elsewhere (remote
// mirrors carry the number of their origin instance).
func (s *Store) CreateTicket(ctx context.Context, ticket types.Ticket) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateTicket")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&ticket)
	return ticket, translate(result.Error)
}

// CreateTicketNextNumber atomically bumps the repository item counter and
// inserts the ticket built from the assigned number. The build callback runs
// inside the transaction so the id it derives from the number is committed
// together with the counter bump.
func (s *Store) CreateTicketNextNumber(ctx context.Context, repoApID string, build func(number int64) types.Ticket) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateTicketNextNumber")
	defer span.End()

	var ticket types.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bump := tx.Model(&types.Repository{}).
			Where("ap_id = ?", repoApID).
			UpdateColumn("item_count", gorm.Expr("item_count + 1"))
		if bump.Error != nil {
			return bump.Error
		}
		if bump.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var repo types.Repository
		if err := tx.Where("ap_id = ?", repoApID).First(&repo).Error; err != nil {
			return err
		}

		ticket = build(repo.ItemCount)
		ticket.Number = repo.ItemCount
		ticket.RepositoryApID = repoApID
		return tx.Create(&ticket).Error
	})
	if err != nil {
		return types.Ticket{}, translate(err)
	}
	return ticket, nil
}

// GetTicketByOfferApID finds the ticket allocated for an Offer envelope.
func (s *Store) GetTicketByOfferApID(ctx context.Context, offerApID string) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "StoreGetTicketByOfferApID")
	defer span.End()

	if offerApID == "" {
		return types.Ticket{}, errors.Wrap(types.ErrNotFound, "no offer id")
	}
	var ticket types.Ticket
	result := s.db.WithContext(ctx).Where("offer_ap_id = ?", offerApID).First(&ticket)
	return ticket, translate(result.Error)
}

// CloseTicket marks a ticket resolved. Closing a closed ticket is a no-op.
func (s *Store) CloseTicket(ctx context.Context, apID string, resolvedBy string) (types.Ticket, error) {
	ctx, span := tracer.Start(ctx, "StoreCloseTicket")
	defer span.End()

	var ticket types.Ticket
	if err := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&ticket).Error; err != nil {
		return types.Ticket{}, translate(err)
	}
	if ticket.State == types.TicketClosed {
		return ticket, nil
	}

	now := s.db.NowFunc().UTC()
	ticket.State = types.TicketClosed
	ticket.ResolvedBy = resolvedBy
	ticket.Resolved = &now

	result := s.db.WithContext(ctx).Save(&ticket)
	return ticket, translate(result.Error)
}

// ---------------------------------------------------------------------
// Comments

func (s *Store) GetCommentByApID(ctx context.Context, apID string) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreGetCommentByApID")
	defer span.End()

	var comment types.Comment
	result := s.db.WithContext(ctx).Where("ap_id = ?", apID).First(&comment)
	return comment, translate(result.Error)
}

func (s *Store) GetCommentByUUID(ctx context.Context, id string) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreGetCommentByUUID")
	defer span.End()

	var comment types.Comment
	result := s.db.WithContext(ctx).Where("uuid = ?", id).First(&comment)
	return comment, translate(result.Error)
}

func (s *Store) CreateComment(ctx context.Context, comment types.Comment) (types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateComment")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&comment)
	return comment, translate(result.Error)
}

func (s *Store) ListTicketComments(ctx context.Context, ticketApID string, limit, offset int) ([]types.Comment, error) {
	ctx, span := tracer.Start(ctx, "StoreListTicketComments")
	defer span.End()

	var comments []types.Comment
	err := s.db.WithContext(ctx).
		Where("ticket_ap_id = ?", ticketApID).
		Order("published asc").
		Limit(limit).Offset(offset).
		Find(&comments).Error
	return comments, translate(err)
}

// ---------------------------------------------------------------------
// Edges

func (s *Store) AddFollowEdge(ctx context.Context, edge types.FollowEdge) error {
	ctx, span := tracer.Start(ctx, "StoreAddFollowEdge")
	defer span.End()

	return translate(s.db.WithContext(ctx).Create(&edge).Error)
}

func (s *Store) AddWatchEdge(ctx context.Context, edge types.WatchEdge) error {
	ctx, span := tracer.Start(ctx, "StoreAddWatchEdge")
	defer span.End()

	return translate(s.db.WithContext(ctx).Create(&edge).Error)
}

func (s *Store) AddStarEdge(ctx context.Context, edge types.StarEdge) error {
	ctx, span := tracer.Start(ctx, "StoreAddStarEdge")
	defer span.End()

	return translate(s.db.WithContext(ctx).Create(&edge).Error)
}

func (s *Store) AddForkEdge(ctx context.Context, edge types.ForkEdge) error {
	ctx, span := tracer.Start(ctx, "StoreAddForkEdge")
	defer span.End()

	return translate(s.db.WithContext(ctx).Create(&edge).Error)
}

func (s *Store) AddTicketSubscriber(ctx context.Context, edge types.TicketSubscriber) error {
	ctx, span := tracer.Start(ctx, "StoreAddTicketSubscriber")
	defer span.End()

	return translate(s.db.WithContext(ctx).Create(&edge).Error)
}

// FollowerIDs lists the apub ids of a user's followers.
func (s *Store) FollowerIDs(ctx context.Context, userApID string, limit, offset int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "StoreFollowerIDs")
	defer span.End()

	var ids []string
	err := s.db.WithContext(ctx).Model(&types.FollowEdge{}).
		Where("followed_ap_id = ?", userApID).
		Order("id asc").
		Limit(limit).Offset(offset).
		Pluck("follower_ap_id", &ids).Error
	return ids, translate(err)
}

// WatcherIDs lists the apub ids of a repository's watchers, who form its
// followers collection.
func (s *Store) WatcherIDs(ctx context.Context, repoApID string, limit, offset int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "StoreWatcherIDs")
	defer span.End()

	var ids []string
	err := s.db.WithContext(ctx).Model(&types.WatchEdge{}).
		Where("repository_ap_id = ?", repoApID).
		Order("id asc").
		Limit(limit).Offset(offset).
		Pluck("user_ap_id", &ids).Error
	return ids, translate(err)
}

// FollowerInboxes lists the inbox URLs of a user's followers.
func (s *Store) FollowerInboxes(ctx context.Context, userApID string, limit, offset int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "StoreFollowerInboxes")
	defer span.End()

	var inboxes []string
	err := s.db.WithContext(ctx).Model(&types.FollowEdge{}).
		Where("followed_ap_id = ? AND follower_inbox <> ''", userApID).
		Order("id asc").
		Limit(limit).Offset(offset).
		Pluck("follower_inbox", &inboxes).Error
	return inboxes, translate(err)
}

// WatcherInboxes lists the inbox URLs of a repository's watchers.
func (s *Store) WatcherInboxes(ctx context.Context, repoApID string, limit, offset int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "StoreWatcherInboxes")
	defer span.End()

	var inboxes []string
	err := s.db.WithContext(ctx).Model(&types.WatchEdge{}).
		Where("repository_ap_id = ? AND user_inbox <> ''", repoApID).
		Order("id asc").
		Limit(limit).Offset(offset).
		Pluck("user_inbox", &inboxes).Error
	return inboxes, translate(err)
}

// TicketSubscriberInboxes lists the inbox URLs of a ticket's subscribers.
func (s *Store) TicketSubscriberInboxes(ctx context.Context, ticketApID string, limit, offset int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "StoreTicketSubscriberInboxes")
	defer span.End()

	var inboxes []string
	err := s.db.WithContext(ctx).Model(&types.TicketSubscriber{}).
		Where("ticket_ap_id = ? AND user_inbox <> ''", ticketApID).
		Order("id asc").
		Limit(limit).Offset(offset).
		Pluck("user_inbox", &inboxes).Error
	return inboxes, translate(err)
}

// InboxURLsForRecipientURI expands an addressed URI into concrete inboxes.
// A followers collection URI resolves to the inboxes of its members; an
// actor id resolves to that actor's inbox; anything unknown resolves to
// nothing.
func (s *Store) InboxURLsForRecipientURI(ctx context.Context, uri string, limit int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "StoreInboxURLsForRecipientURI")
	defer span.End()

	if actorID, ok := strings.CutSuffix(uri, "/followers"); ok {
		if user, err := s.GetUserByApID(ctx, actorID); err == nil {
			return s.FollowerInboxes(ctx, user.ApID, limit, 0)
		}
		if repo, err := s.GetRepositoryByApID(ctx, actorID); err == nil {
			return s.WatcherInboxes(ctx, repo.ApID, limit, 0)
		}
		if ticket, err := s.GetTicketByApID(ctx, actorID); err == nil {
			return s.TicketSubscriberInboxes(ctx, ticket.ApID, limit, 0)
		}
		return nil, nil
	}

	if ticket, err := s.GetTicketByApID(ctx, uri); err == nil {
		return s.TicketSubscriberInboxes(ctx, ticket.ApID, limit, 0)
	}

	actor, err := s.GetActorByApID(ctx, uri)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if actor.ActorInbox() == "" {
		return nil, nil
	}
	return []string{actor.ActorInbox()}, nil
}

// ---------------------------------------------------------------------
// Branches

func (s *Store) UpsertBranch(ctx context.Context, branch types.Branch) error {
	ctx, span := tracer.Start(ctx, "StoreUpsertBranch")
	defer span.End()

	var existing types.Branch
	err := s.db.WithContext(ctx).
		Where("repository_ap_id = ? AND name = ?", branch.RepositoryApID, branch.Name).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return translate(err)
	}
	return translate(s.db.WithContext(ctx).Create(&branch).Error)
}

// SetDefaultBranch flips the default flag to the named branch, keeping the
// one-default-per-repository invariant inside a transaction.
func (s *Store) SetDefaultBranch(ctx context.Context, repoApID, name string) error {
	ctx, span := tracer.Start(ctx, "StoreSetDefaultBranch")
	defer span.End()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var branch types.Branch
		if err := tx.Where("repository_ap_id = ? AND name = ?", repoApID, name).First(&branch).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.Branch{}).
			Where("repository_ap_id = ?", repoApID).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Model(&types.Branch{}).
			Where("repository_ap_id = ? AND name = ?", repoApID, name).
			Update("is_default", true).Error
	})
	return translate(err)
}

func (s *Store) ListBranches(ctx context.Context, repoApID string) ([]types.Branch, error) {
	ctx, span := tracer.Start(ctx, "StoreListBranches")
	defer span.End()

	var branches []types.Branch
	err := s.db.WithContext(ctx).
		Where("repository_ap_id = ?", repoApID).
		Order("name asc").
		Find(&branches).Error
	return branches, translate(err)
}

func (s *Store) GetDefaultBranch(ctx context.Context, repoApID string) (types.Branch, error) {
	ctx, span := tracer.Start(ctx, "StoreGetDefaultBranch")
	defer span.End()

	var branch types.Branch
	result := s.db.WithContext(ctx).
		Where("repository_ap_id = ? AND is_default = ?", repoApID, true).
		First(&branch)
	return branch, translate(result.Error)
}
