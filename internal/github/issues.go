package github

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
)

// Reactions accepted by the GitHub reactions API.
var validReactions = map[string]bool{
	"+1": true, "-1": true, "laugh": true, "confused": true,
	"heart": true, "hooray": true, "rocket": true, "eyes": true,
}

// PostIssueComment comments on an issue or pull request and returns the new
// comment id. Pull request conversation comments use the issues API.
func (c *Client) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	if !c.authenticated {
		return 0, ErrNoToken
	}
	comment, _, err := c.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to post comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return comment.GetID(), nil
}

func (c *Client) AddReaction(ctx context.Context, owner, repo string, commentID int64, reaction string) error {
	if !c.authenticated {
		return ErrNoToken
	}
	if !validReactions[reaction] {
		return fmt.Errorf("unsupported reaction %q", reaction)
	}
	if _, _, err := c.client.Reactions.CreateIssueCommentReaction(ctx, owner, repo, commentID, reaction); err != nil {
		return fmt.Errorf("failed to add reaction to comment %d: %w", commentID, err)
	}
	return nil
}

func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if !c.authenticated {
		return ErrNoToken
	}
	if len(labels) == 0 {
		return nil
	}
	if _, _, err := c.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels); err != nil {
		return fmt.Errorf("failed to add labels to %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}
