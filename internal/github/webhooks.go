package github

import (
	"context"
	"strings"

	gh "github.com/google/go-github/v66/github"
)

// Webhook is the part of a repository hook the connection manager keeps.
type Webhook struct {
	ID     int64
	Name   string
	Active bool
	Events []string
	URL    string
}

func webhookFrom(hook *gh.Hook) Webhook {
	return Webhook{
		ID:     hook.GetID(),
		Name:   hook.GetName(),
		Active: hook.GetActive(),
		Events: hook.Events,
		URL:    hook.GetConfig().GetURL(),
	}
}

// ListWebhooks returns every hook on the repository.
func (c *Client) ListWebhooks(ctx context.Context, token, owner, repo string) ([]Webhook, error) {
	cli, errAPI := c.api(ctx, token)
	if errAPI != nil {
		return nil, errAPI
	}
	opts := &gh.ListOptions{PerPage: 100}
	var out []Webhook
	for {
		var (
			hooks []*gh.Hook
			resp  *gh.Response
		)
		errList := c.read(ctx, func() error {
			var err error
			hooks, resp, err = cli.Repositories.ListHooks(ctx, owner, repo, opts)
			return err
		})
		if errList != nil {
			return nil, classify(errList, "hooks of "+owner+"/"+repo)
		}
		for _, hook := range hooks {
			out = append(out, webhookFrom(hook))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// FindWebhook returns the hook delivering to callbackURL, or nil.
func (c *Client) FindWebhook(ctx context.Context, token, owner, repo, callbackURL string) (*Webhook, error) {
	hooks, errList := c.ListWebhooks(ctx, token, owner, repo)
	if errList != nil {
		return nil, errList
	}
	for i := range hooks {
		if sameURL(hooks[i].URL, callbackURL) {
			return &hooks[i], nil
		}
	}
	return nil, nil
}

// CreateWebhook subscribes callbackURL to pull_request events with a JSON payload.
// Not retried: a repeated create after a lost response fails with "hook already exists".
func (c *Client) CreateWebhook(ctx context.Context, token, owner, repo, callbackURL, secret string) (*Webhook, error) {
	cli, errAPI := c.api(ctx, token)
	if errAPI != nil {
		return nil, errAPI
	}
	config := &gh.HookConfig{
		URL:         gh.String(callbackURL),
		ContentType: gh.String("json"),
		InsecureSSL: gh.String("0"),
	}
	if secret != "" {
		config.Secret = gh.String(secret)
	}
	created, _, errCreate := cli.Repositories.CreateHook(ctx, owner, repo, &gh.Hook{
		Name:   gh.String("web"),
		Active: gh.Bool(true),
		Events: []string{"pull_request"},
		Config: config,
	})
	if errCreate != nil {
		return nil, classify(errCreate, "create hook on "+owner+"/"+repo)
	}
	hook := webhookFrom(created)
	return &hook, nil
}

// EnsureWebhook reuses the hook delivering to callbackURL or creates one.
func (c *Client) EnsureWebhook(ctx context.Context, token, owner, repo, callbackURL, secret string) (*Webhook, bool, error) {
	existing, errFind := c.FindWebhook(ctx, token, owner, repo, callbackURL)
	if errFind != nil {
		return nil, false, errFind
	}
	if existing != nil {
		return existing, false, nil
	}
	created, errCreate := c.CreateWebhook(ctx, token, owner, repo, callbackURL, secret)
	if errCreate != nil {
		return nil, false, errCreate
	}
	return created, true, nil
}

// DeleteWebhook removes a hook by ID. A missing hook yields an apperr NotFound.
func (c *Client) DeleteWebhook(ctx context.Context, token, owner, repo string, hookID int64) error {
	cli, errAPI := c.api(ctx, token)
	if errAPI != nil {
		return errAPI
	}
	errDelete := c.read(ctx, func() error {
		_, err := cli.Repositories.DeleteHook(ctx, owner, repo, hookID)
		return err
	})
	return classify(errDelete, "hook")
}

func sameURL(a, b string) bool {
	return strings.TrimRight(strings.TrimSpace(a), "/") == strings.TrimRight(strings.TrimSpace(b), "/")
}
