package bsky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/paginate"
)

const (
	collectionList     = "app.bsky.graph.list"
	collectionListItem = "app.bsky.graph.listitem"
	purposeCurateList  = "app.bsky.graph.defs#curatelist"
)

var _ ports.SocialGraph = (*Client)(nil)

// --- Lexicons (sous-ensemble utile) ---

type profileView struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	FollowersCount int    `json:"followersCount"`
	FollowsCount   int    `json:"followsCount"`
	PostsCount     int    `json:"postsCount"`
}

type followersOutput struct {
	Followers []profileView `json:"followers"`
	Cursor    string        `json:"cursor"`
}

type followsOutput struct {
	Follows []profileView `json:"follows"`
	Cursor  string        `json:"cursor"`
}

// Dates en texte brut : createdAt est écrit par le client et pas toujours en RFC 3339 strict.
// 'reason' est présent sur les reposts et le post épinglé.
type authorFeedOutput struct {
	Feed []struct {
		Post struct {
			IndexedAt string `json:"indexedAt"`
			Record    struct {
				CreatedAt string `json:"createdAt"`
			} `json:"record"`
		} `json:"post"`
		Reason json.RawMessage `json:"reason"`
	} `json:"feed"`
}

// authorFeedWindow : assez d'items pour dépasser le post épinglé et quelques reposts.
const authorFeedWindow = 10

type listView struct {
	URI     string `json:"uri"`
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
}

type listsOutput struct {
	Lists  []listView `json:"lists"`
	Cursor string     `json:"cursor"`
}

type listOutput struct {
	Items []struct {
		URI     string      `json:"uri"`
		Subject profileView `json:"subject"`
	} `json:"items"`
	Cursor string `json:"cursor"`
}

type createRecordInput struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type createRecordOutput struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type deleteRecordInput struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

type listRecord struct {
	Type      string `json:"$type"`
	Purpose   string `json:"purpose"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

type listItemRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

func pageQuery(key, value, cursor string) url.Values {
	q := url.Values{}
	q.Set(key, value)
	q.Set("limit", strconv.Itoa(defaultPageLimit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return q
}

func (c *Client) timestamp() string {
	return c.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// --- Graphe ---

func (c *Client) GetFollowers(ctx context.Context, actor domain.AID, cursor string) (paginate.Page[domain.AID], error) {
	var out followersOutput
	if err := c.call(ctx, "app.bsky.graph.getFollowers", pageQuery("actor", string(actor), cursor), nil, &out); err != nil {
		return paginate.Page[domain.AID]{}, err
	}
	return paginate.Page[domain.AID]{Items: dids(out.Followers), Cursor: out.Cursor}, nil
}

func (c *Client) GetFollowing(ctx context.Context, actor domain.AID, cursor string) (paginate.Page[domain.AID], error) {
	var out followsOutput
	if err := c.call(ctx, "app.bsky.graph.getFollows", pageQuery("actor", string(actor), cursor), nil, &out); err != nil {
		return paginate.Page[domain.AID]{}, err
	}
	return paginate.Page[domain.AID]{Items: dids(out.Follows), Cursor: out.Cursor}, nil
}

func dids(views []profileView) []domain.AID {
	out := make([]domain.AID, 0, len(views))
	for _, v := range views {
		out = append(out, domain.AID(v.DID))
	}
	return out
}

// GetProfile : compteurs seulement. La date du dernier post passe par LatestPostAt.
// Les profils sont gardés dans un LRU : un compte est souvent croisé plusieurs fois.
func (c *Client) GetProfile(ctx context.Context, actor domain.AID) (*domain.Profile, error) {
	if p, ok := c.profiles.Get(actor); ok {
		return p, nil
	}

	var view profileView
	q := url.Values{}
	q.Set("actor", string(actor))
	if err := c.call(ctx, "app.bsky.actor.getProfile", q, nil, &view); err != nil {
		return nil, err
	}
	profile := &domain.Profile{
		AID:            domain.AID(view.DID),
		Handle:         view.Handle,
		FollowersCount: view.FollowersCount,
		FollowsCount:   view.FollowsCount,
		PostsCount:     view.PostsCount,
	}
	c.profiles.Add(actor, profile)
	return profile, nil
}

// LatestPostAt renvoie la date du post le plus récent écrit par l'acteur (reposts et épinglé exclus).
// nil si le fil est vide ; domain.ErrUnknownActivity si aucune date lisible.
func (c *Client) LatestPostAt(ctx context.Context, actor domain.AID) (*time.Time, error) {
	q := url.Values{}
	q.Set("actor", string(actor))
	q.Set("limit", strconv.Itoa(authorFeedWindow))
	q.Set("filter", "posts_no_replies")
	var out authorFeedOutput
	if err := c.call(ctx, "app.bsky.feed.getAuthorFeed", q, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Feed) == 0 {
		return nil, nil
	}
	for _, item := range out.Feed {
		if len(item.Reason) > 0 && string(item.Reason) != "null" {
			continue
		}
		if at, ok := parseTimestamp(item.Post.Record.CreatedAt); ok {
			return &at, nil
		}
		if at, ok := parseTimestamp(item.Post.IndexedAt); ok {
			return &at, nil
		}
		return nil, fmt.Errorf("%w: %s: createdAt=%q", domain.ErrUnknownActivity, actor, item.Post.Record.CreatedAt)
	}
	// Que des reposts dans la fenêtre
	return nil, fmt.Errorf("%w: %s: no own post in the last %d items", domain.ErrUnknownActivity, actor, len(out.Feed))
}

// Formats rencontrés dans createdAt ; sans fuseau, on suppose UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CachedHandle lit le handle dans le LRU de profils, sans appel réseau.
func (c *Client) CachedHandle(actor domain.AID) (string, bool) {
	if p, ok := c.profiles.Get(actor); ok && p.Handle != "" {
		return p.Handle, true
	}
	return "", false
}

// Handle résout un AID en handle pour l'affichage. Retombe sur l'AID en cas d'erreur.
func (c *Client) Handle(ctx context.Context, actor domain.AID) string {
	if h, ok := c.CachedHandle(actor); ok {
		return h
	}
	p, err := c.GetProfile(ctx, actor)
	if err != nil || p.Handle == "" {
		return string(actor)
	}
	return p.Handle
}

// --- Listes ---

func (c *Client) GetLists(ctx context.Context, owner domain.AID, cursor string) (paginate.Page[domain.ListDescriptor], error) {
	var out listsOutput
	if err := c.call(ctx, "app.bsky.graph.getLists", pageQuery("actor", string(owner), cursor), nil, &out); err != nil {
		return paginate.Page[domain.ListDescriptor]{}, err
	}
	items := make([]domain.ListDescriptor, 0, len(out.Lists))
	for _, l := range out.Lists {
		items = append(items, domain.ListDescriptor{URI: l.URI, Name: l.Name})
	}
	return paginate.Page[domain.ListDescriptor]{Items: items, Cursor: out.Cursor}, nil
}

func (c *Client) CreateList(ctx context.Context, name string) (domain.ListDescriptor, error) {
	self, err := c.Self(ctx)
	if err != nil {
		return domain.ListDescriptor{}, err
	}
	var out createRecordOutput
	err = c.call(ctx, "com.atproto.repo.createRecord", nil, createRecordInput{
		Repo:       string(self),
		Collection: collectionList,
		Record: listRecord{
			Type:      collectionList,
			Purpose:   purposeCurateList,
			Name:      name,
			CreatedAt: c.timestamp(),
		},
	}, &out)
	if err != nil {
		return domain.ListDescriptor{}, err
	}
	return domain.ListDescriptor{URI: out.URI, Name: name}, nil
}

// GetListMembers : la clé d'une entrée est l'URI de l'enregistrement listitem.
func (c *Client) GetListMembers(ctx context.Context, listURI string, cursor string) (paginate.Page[domain.ListEntry], error) {
	var out listOutput
	if err := c.call(ctx, "app.bsky.graph.getList", pageQuery("list", listURI, cursor), nil, &out); err != nil {
		return paginate.Page[domain.ListEntry]{}, err
	}
	items := make([]domain.ListEntry, 0, len(out.Items))
	for _, it := range out.Items {
		items = append(items, domain.ListEntry{Key: domain.EntryKey(it.URI), Subject: domain.AID(it.Subject.DID)})
	}
	return paginate.Page[domain.ListEntry]{Items: items, Cursor: out.Cursor}, nil
}

func (c *Client) CreateListEntry(ctx context.Context, listURI string, subject domain.AID) (domain.EntryKey, error) {
	self, err := c.Self(ctx)
	if err != nil {
		return "", err
	}
	var out createRecordOutput
	err = c.call(ctx, "com.atproto.repo.createRecord", nil, createRecordInput{
		Repo:       string(self),
		Collection: collectionListItem,
		Record: listItemRecord{
			Type:      collectionListItem,
			Subject:   string(subject),
			List:      listURI,
			CreatedAt: c.timestamp(),
		},
	}, &out)
	if err != nil {
		return "", err
	}
	return domain.EntryKey(out.URI), nil
}

// DeleteListEntry supprime l'enregistrement désigné par son URI (at://repo/collection/rkey).
func (c *Client) DeleteListEntry(ctx context.Context, key domain.EntryKey) error {
	repo, collection, rkey, err := parseRecordURI(string(key))
	if err != nil {
		return err
	}
	return c.call(ctx, "com.atproto.repo.deleteRecord", nil, deleteRecordInput{
		Repo:       repo,
		Collection: collection,
		RKey:       rkey,
	}, nil)
}

func parseRecordURI(uri string) (repo, collection, rkey string, err error) {
	parts := strings.Split(strings.TrimPrefix(uri, "at://"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid record uri %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}
