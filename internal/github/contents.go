package github

import (
	"context"
	"regexp"

	gh "github.com/google/go-github/v66/github"
	"github.com/reviewyai/reviewy/internal/apperr"
)

// binaryFile matches paths skipped when walking repository contents.
var binaryFile = regexp.MustCompile(`(?i)\.(png|jpg|jpeg|gif|svg|ico|pdf|zip|tar|gz)$`)

// FileContent is one decoded text file.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// getContent returns either a directory listing or a single entry.
func (c *Client) getContent(ctx context.Context, cli *gh.Client, owner, repo, path string) ([]*gh.RepositoryContent, *gh.RepositoryContent, error) {
	var (
		file *gh.RepositoryContent
		dir  []*gh.RepositoryContent
	)
	errGet := c.read(ctx, func() error {
		var err error
		file, dir, _, err = cli.Repositories.GetContents(ctx, owner, repo, path, nil)
		return err
	})
	if errGet != nil {
		return nil, nil, classify(errGet, "contents of "+owner+"/"+repo+"/"+path)
	}
	return dir, file, nil
}

func decodeContent(entry *gh.RepositoryContent) (string, bool, error) {
	if entry == nil || entry.GetType() != "file" || entry.Content == nil {
		return "", false, nil
	}
	if enc := entry.GetEncoding(); enc != "" && enc != "base64" {
		return "", false, nil
	}
	content, err := entry.GetContent()
	if err != nil {
		return "", false, apperr.Upstream("github: decode content of "+entry.GetPath(), err)
	}
	return content, content != "", nil
}

// GetRepoFileContents walks path recursively and returns every text file under it.
// A path naming a single file yields a one-element result.
func (c *Client) GetRepoFileContents(ctx context.Context, token, owner, repo, path string) ([]FileContent, error) {
	cli, errAPI := c.api(ctx, token)
	if errAPI != nil {
		return nil, errAPI
	}
	return c.walk(ctx, cli, owner, repo, path)
}

func (c *Client) walk(ctx context.Context, cli *gh.Client, owner, repo, path string) ([]FileContent, error) {
	entries, single, errGet := c.getContent(ctx, cli, owner, repo, path)
	if errGet != nil {
		return nil, errGet
	}
	if single != nil {
		content, ok, errDecode := decodeContent(single)
		if errDecode != nil || !ok {
			return nil, errDecode
		}
		return []FileContent{{Path: single.GetPath(), Content: content}}, nil
	}

	var files []FileContent
	for _, entry := range entries {
		if errCtx := ctx.Err(); errCtx != nil {
			return nil, errCtx
		}
		switch entry.GetType() {
		case "file":
			if binaryFile.MatchString(entry.GetPath()) {
				continue
			}
			_, fileEntry, errFile := c.getContent(ctx, cli, owner, repo, entry.GetPath())
			if errFile != nil {
				return nil, errFile
			}
			content, ok, errDecode := decodeContent(fileEntry)
			if errDecode != nil {
				return nil, errDecode
			}
			if ok {
				files = append(files, FileContent{Path: entry.GetPath(), Content: content})
			}
		case "dir":
			nested, errNested := c.walk(ctx, cli, owner, repo, entry.GetPath())
			if errNested != nil {
				return nil, errNested
			}
			files = append(files, nested...)
		}
	}
	return files, nil
}
