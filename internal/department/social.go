package department

import (
	"context"
)

// SocialCrew produces social media content. A creator writes
// platform-appropriate posts, an optimizer reworks them for engagement
// and adds hashtags; strictly sequential.
type SocialCrew struct {
	creator   *agent
	optimizer *agent
}

func NewSocialCrew(deps Deps) *SocialCrew {
	return &SocialCrew{
		creator:   newAgent("creator", deps.Inference, deps.AgentTimeout, deps.logger()),
		optimizer: newAgent("optimizer", deps.Inference, deps.AgentTimeout, deps.logger()),
	}
}

func (c *SocialCrew) Name() string        { return "social" }
func (c *SocialCrew) Description() string { return "Creating and optimizing social media content" }

func (c *SocialCrew) Accepts(intent string) bool {
	return matchesAny(intent, "social", "tweet", "post", "linkedin", "hashtag", "caption", "engagement")
}

func (c *SocialCrew) Execute(ctx context.Context, input *Input) (*Result, error) {
	draft, err := c.creator.run(ctx, promptContext(input)+
		"You are a social media content creator. Write posts fulfilling the task, "+
		"adapted to each target platform's format and length.")
	if err != nil {
		return nil, err
	}

	final, err := c.optimizer.run(ctx, promptContext(input)+
		"Posts:\n"+draft+
		"\n\nYou are an engagement optimizer. Rework the posts for maximum engagement, "+
		"add relevant hashtags, and output only the final content.")
	if err != nil {
		return nil, err
	}
	return &Result{Response: final, Confidence: 0.8}, nil
}
