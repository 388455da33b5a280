// Package tools implements the model-callable tool surface: weather and
// geocoding, web search, image generation, reminders, per-user data and
// conversation summarization. Each service is independently constructed
// and the registry assembles the per-chat tool list from feature flags.
package tools

import (
	"fmt"

	"github.com/duskpine/vombat/internal/llm"
)

// Registry holds the constructed tool services. Nil services are simply
// absent from the built list, so missing API keys degrade gracefully.
type Registry struct {
	Weather  *WeatherService
	Search   *SearchService
	Draw     *DrawService
	Reminder *ReminderService
	UserData *UserDataService
	Summary  *SummaryService
}

// Flags select which tools a chat exposes to the model, resolved from
// chat settings and service availability.
type Flags struct {
	Weather   bool
	Search    bool
	Draw      bool
	Reminders bool
	UserData  bool
	Summarize bool
}

// Tools builds the tool list for one conversation.
func (r *Registry) Tools(flags Flags) []llm.Tool {
	var list []llm.Tool
	if flags.Weather && r.Weather != nil {
		list = append(list, r.Weather.WeatherTool(), r.Weather.GeocodeTool())
	}
	if flags.Search && r.Search != nil {
		list = append(list, r.Search.Tool())
	}
	if flags.Draw && r.Draw != nil {
		list = append(list, r.Draw.Tool())
	}
	if flags.Reminders && r.Reminder != nil {
		list = append(list, r.Reminder.Tool())
	}
	if flags.UserData && r.UserData != nil {
		list = append(list, r.UserData.Tool())
	}
	if flags.Summarize && r.Summary != nil {
		list = append(list, r.Summary.Tool())
	}
	return list
}

// --- argument coercion helpers ---

func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func argFloat(args map[string]interface{}, key string) (float64, bool) {
	f, ok := args[key].(float64)
	return f, ok
}

func argInt(args map[string]interface{}, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}

func requireString(args map[string]interface{}, key string) (string, error) {
	s := argString(args, key)
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}
