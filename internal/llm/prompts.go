package llm

import (
	"fmt"
	"strings"
)

// ConsolidationSystem instructs the model to fold a group of memories into one.
const ConsolidationSystem = `You condense a companion's long-term memories about a user.
Summarize these memories, preserving key information and emotional moments.
Write in the third person about the user. Return only the summary text.`

// ConsolidationPrompt joins the memories of one group for summarisation.
func ConsolidationPrompt(contents []string) string {
	return strings.Join(contents, "\n---\n")
}

// ClusterSystem instructs the model to label a group of related memories.
const ClusterSystem = `You label groups of related memories for an AI companion.
Summarize these related memories into a topic and brief summary.

Rules:
- topic is 1-4 words
- summary is at most 3 sentences
- Return ONLY a JSON object, no other text

Return: {"topic": "short topic", "summary": "brief summary"}`

// ClusterPrompt lists the member contents of one cluster.
func ClusterPrompt(contents []string) string {
	var b strings.Builder
	for i, c := range contents {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return b.String()
}

// PreferenceSystem instructs the model to extract preferences from a message.
const PreferenceSystem = `You extract user preferences from conversations with a game companion.
Only extract preferences the user states or clearly implies (play style, humor,
difficulty, favourite games, topics to avoid, communication style).

Rules:
- key is snake_case, e.g. "play_style", "humor_level"
- value is a string, number, boolean, or small JSON object
- confidence is between 0 and 1
- Return ONLY a JSON object, no other text

Return: {"preferences": [{"key": "play_style", "value": "aggressive", "confidence": 0.7}]}
If nothing is worth extracting, return: {"preferences": []}`

// ImportanceSystem instructs the model to score a memory.
const ImportanceSystem = `You evaluate how important a memory is for an AI companion's long-term relationship with a user.

Consider:
- Emotional significance (moments of joy, achievement, frustration)
- Information value (preferences, facts about the user)
- Relationship development (bonding moments, trust building)
- Game progression (major achievements, story beats)
- Future relevance (information that will be useful later)

Return ONLY a JSON object: {"score": 0-10, "reason": "one sentence"}`

// ImportancePrompt frames one memory for scoring.
func ImportancePrompt(memType, content string) string {
	return fmt.Sprintf("Evaluate the importance of this %s memory on a scale of 0-10:\n\n%q", memType, content)
}

// PersonalityPrompt renders a companion's persona as a system prompt.
func PersonalityPrompt(name, traits, backstory string) string {
	if traits == "" {
		traits = "helpful, friendly"
	}
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "You are %s, an AI companion with the following traits: %s.\n\n", name, traits)
	} else {
		fmt.Fprintf(&b, "You are an AI companion with the following traits: %s.\n\n", traits)
	}
	if backstory != "" {
		fmt.Fprintf(&b, "Your backstory: %s\n\n", backstory)
	}
	b.WriteString(`Guidelines:
1. Stay in character consistently
2. Remember past interactions through the memory system
3. Adapt your responses based on user preferences
4. Be helpful while maintaining your personality

Always prioritize the user's emotional well-being and enjoyment.`)
	return b.String()
}
