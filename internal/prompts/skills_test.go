package prompts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/storage"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		prompt string
		skill  string
		args   string
		ok     bool
	}{
		{"/gobby", "", "", true},
		{"/gobby:commit", "commit", "", true},
		{"/gobby:commit fix the tests", "commit", "fix the tests", true},
		{"  /gobby:re-view  ", "re-view", "", true},
		{"/gobbyish", "", "", false},
		{"please run /gobby:commit", "", "", false},
		{"regular prompt", "", "", false},
	}
	for _, tc := range cases {
		skill, args, ok := ParseCommand(tc.prompt)
		assert.Equal(t, tc.ok, ok, tc.prompt)
		assert.Equal(t, tc.skill, skill, tc.prompt)
		assert.Equal(t, tc.args, args, tc.prompt)
	}
}

func TestSkillSubstitutesArgs(t *testing.T) {
	loader, db := newTestLoader(t)
	ctx := context.Background()
	seedPrompt(t, db, "skills/commit", storage.PromptTierBundled, "",
		"Write a commit for: {{ args }}")

	content, err := loader.Skill(ctx, "commit", "the parser fix", "")
	require.NoError(t, err)
	assert.Equal(t, "Write a commit for: the parser fix", content)

	_, err = loader.Skill(ctx, "nonexistent", "", "")
	assert.Error(t, err)
}

func TestHelp(t *testing.T) {
	loader, db := newTestLoader(t)
	ctx := context.Background()

	help, err := loader.Help(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "No skills installed.", help)

	require.NoError(t, db.UpsertPrompt(ctx, &storage.Prompt{
		Path: "skills/commit", Tier: storage.PromptTierBundled,
		Description: "write commit messages",
	}))
	require.NoError(t, db.UpsertPrompt(ctx, &storage.Prompt{
		Path: "skills/review", Tier: storage.PromptTierBundled,
		Description: "review a diff",
	}))
	// Non-skill prompts never appear in help.
	require.NoError(t, db.UpsertPrompt(ctx, &storage.Prompt{
		Path: "system/base", Tier: storage.PromptTierBundled,
	}))

	help, err = loader.Help(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, help, "- /gobby:commit write commit messages")
	assert.Contains(t, help, "- /gobby:review review a diff")
	assert.NotContains(t, help, "system/base")
}

func TestSuggest(t *testing.T) {
	loader, db := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertPrompt(ctx, &storage.Prompt{
		Path: "skills/commit", Tier: storage.PromptTierBundled,
		Variables: "- commit\n- message",
	}))
	require.NoError(t, db.UpsertPrompt(ctx, &storage.Prompt{
		Path: "skills/deploy", Tier: storage.PromptTierBundled,
		Variables: "- deploy\n- release\n- rollout",
	}))
	require.NoError(t, db.UpsertPrompt(ctx, &storage.Prompt{
		Path: "skills/untriggered", Tier: storage.PromptTierBundled,
	}))

	// Both commit triggers match: score 1.0, above threshold.
	got, err := loader.Suggest(ctx, "write a Commit Message for this change", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "commit", got[0].Skill)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)

	// One of three deploy triggers: 0.33, below the 0.7 threshold.
	got, err = loader.Suggest(ctx, "deploy this please", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = loader.Suggest(ctx, "nothing relevant", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}
