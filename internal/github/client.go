// Package github talks to the GitHub REST API on behalf of a user token.
package github

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/upstream"
	"golang.org/x/oauth2"
)

const defaultAPIURL = "https://api.github.com"

// Client builds a go-github client per call from the caller's token.
type Client struct {
	baseURL *url.URL
	httpCli *http.Client
	policy  upstream.Policy
}

// NewClient creates a GitHub client. An empty apiURL selects api.github.com.
func NewClient(apiURL string, httpCli *http.Client) *Client {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	base, errParse := url.Parse(apiURL + "/")
	if errParse != nil {
		base, _ = url.Parse(defaultAPIURL + "/")
	}
	if httpCli == nil {
		httpCli = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: base, httpCli: httpCli, policy: upstream.DefaultPolicy}
}

// api returns a go-github client that authenticates every request with token.
func (c *Client) api(ctx context.Context, token string) (*gh.Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperr.Unauthorized("missing GitHub token")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpCli)
	authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	cli := gh.NewClient(authed)
	cli.BaseURL = c.baseURL
	return cli, nil
}

// read retries an idempotent call on rate limits and 5xx responses.
func (c *Client) read(ctx context.Context, fn func() error) error {
	return c.policy.Retry(ctx, retryable, fn)
}

func statusOf(err error) int {
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

func retryable(err error) bool {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	return upstream.RetryableStatus(statusOf(err))
}

func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch statusOf(err) {
	case http.StatusNotFound:
		return apperr.NotFound("github: " + what + " not found")
	case http.StatusUnauthorized:
		return apperr.Unauthorized("GitHub rejected the stored token")
	}
	return apperr.Upstream("github: "+what, err)
}

// PullRequestDiff is a pull request's unified diff with its title and description.
type PullRequestDiff struct {
	Diff        string
	Title       string
	Description string
}

// GetPRDiff fetches pull request metadata and its unified diff.
func (c *Client) GetPRDiff(ctx context.Context, token, owner, repo string, number int) (*PullRequestDiff, error) {
	cli, errAPI := c.api(ctx, token)
	if errAPI != nil {
		return nil, errAPI
	}

	var pr *gh.PullRequest
	errGet := c.read(ctx, func() error {
		var err error
		pr, _, err = cli.PullRequests.Get(ctx, owner, repo, number)
		return err
	})
	if errGet != nil {
		return nil, classify(errGet, "pull request")
	}

	var diff string
	errRaw := c.read(ctx, func() error {
		var err error
		diff, _, err = cli.PullRequests.GetRaw(ctx, owner, repo, number, gh.RawOptions{Type: gh.Diff})
		return err
	})
	if errRaw != nil {
		return nil, classify(errRaw, "pull request diff")
	}
	return &PullRequestDiff{Diff: diff, Title: pr.GetTitle(), Description: pr.GetBody()}, nil
}

// PostComment adds an issue comment to the pull request. It is sent once: a retried
// POST whose first attempt landed would duplicate the comment.
func (c *Client) PostComment(ctx context.Context, token, owner, repo string, number int, body string) error {
	cli, errAPI := c.api(ctx, token)
	if errAPI != nil {
		return errAPI
	}
	_, _, errPost := cli.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{Body: gh.String(body)})
	return classify(errPost, "pull request comment")
}

// RemoteRepository is a repository visible to the token's user.
type RemoteRepository struct {
	ID          int64     `json:"github_id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Language    string    `json:"language"`
	Private     bool      `json:"private"`
	Stars       int       `json:"stars"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListUserRepos returns one page of the user's repositories, most recently updated first,
// and whether another page follows.
func (c *Client) ListUserRepos(ctx context.Context, token string, page, perPage int) ([]RemoteRepository, bool, error) {
	cli, errAPI := c.api(ctx, token)
	if errAPI != nil {
		return nil, false, errAPI
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 30
	}
	opts := &gh.RepositoryListByAuthenticatedUserOptions{
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{Page: page, PerPage: perPage},
	}

	var (
		repos []*gh.Repository
		resp  *gh.Response
	)
	errList := c.read(ctx, func() error {
		var err error
		repos, resp, err = cli.Repositories.ListByAuthenticatedUser(ctx, opts)
		return err
	})
	if errList != nil {
		return nil, false, classify(errList, "repositories")
	}

	out := make([]RemoteRepository, 0, len(repos))
	for _, r := range repos {
		out = append(out, RemoteRepository{
			ID:          r.GetID(),
			Owner:       r.GetOwner().GetLogin(),
			Name:        r.GetName(),
			FullName:    r.GetFullName(),
			URL:         r.GetHTMLURL(),
			Description: r.GetDescription(),
			Language:    r.GetLanguage(),
			Private:     r.GetPrivate(),
			Stars:       r.GetStargazersCount(),
			UpdatedAt:   r.GetUpdatedAt().Time,
		})
	}
	return out, resp != nil && resp.NextPage > 0, nil
}
