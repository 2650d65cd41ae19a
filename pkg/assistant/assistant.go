package assistant

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/harunnryd/sona/pkg/agent"
	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/llm"
)

const Instructions = `You are a helpful voice AI assistant. The user is interacting with you via voice, even if you perceive the conversation as text.
You eagerly assist users with their questions by providing information from your extensive knowledge.
Your responses are concise, to the point, and without any complex formatting including emojis, asterisks, or other symbols.
You are curious, friendly, and have a sense of humor.

Use the lookup_weather function if the user asked about the current weather.

When user ask who they are, use the function get_user_data.
And when user introduce their name and age, use the function set_user_data.`

// Assistant is the voice agent: the instructions above plus a weather
// lookup and a pair of tools that remember who the user is. User data
// is scoped per session; two rooms never see each other's names.
type Assistant struct {
	mu       sync.Mutex
	sessions map[string]*UserData
	registry *agent.Registry
	log      *slog.Logger
}

func New(log *slog.Logger) *Assistant {
	if log == nil {
		log = slog.Default()
	}
	a := &Assistant{
		sessions: make(map[string]*UserData),
		registry: agent.NewRegistry(),
		log:      log,
	}
	a.registerTools()
	return a
}

// Agent returns the agent definition used to start a session.
func (a *Assistant) Agent() *agent.Agent {
	return &agent.Agent{
		Name:         "assistant",
		Instructions: Instructions,
		Tools:        a.registry,
	}
}

// UserDataFor returns the per-session user data store, creating it on
// first use.
func (a *Assistant) UserDataFor(sessionID string) *UserData {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.sessions[sessionID]
	if !ok {
		d = NewUserData()
		a.sessions[sessionID] = d
	}
	return d
}

// Forget drops the per-session user data once the session ends.
func (a *Assistant) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

func (a *Assistant) registerTools() {
	a.registry.Register(llm.Tool{
		Name: "lookup_weather",
		Description: "Use this tool to look up current weather information in the given location. " +
			"If the location is not supported by the weather service, the tool will indicate this. " +
			"You must tell the user the location's weather is unavailable.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "The location to look up weather information for (e.g. city name)",
				},
			},
			"required": []string{"location"},
		},
	}, a.lookupWeather)

	a.registry.Register(llm.Tool{
		Name:        "set_user_data",
		Description: "Store the user's name and age in this session",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "description": "Name of the user"},
				"age":  map[string]any{"type": "integer", "description": "Age of the user"},
			},
			"required": []string{"name", "age"},
		},
	}, a.setUserData)

	a.registry.Register(llm.Tool{
		Name:        "get_user_data",
		Description: "Get the current session user name and age",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, a.getUserData)
}

// lookupWeather is a stub: the location is logged but never checked,
// and the report is always the same.
func (a *Assistant) lookupWeather(args map[string]any) (string, error) {
	location, _ := stringArg(args, "location")
	a.log.Info("looking_up_weather", "location", location)
	return "sunny with a temperature of 70 degrees.", nil
}

// setUserData stores whatever the model sent, verbatim. Only type
// coercion can fail; an empty or blank name is stored as given.
func (a *Assistant) setUserData(args map[string]any) (string, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return "", err
	}
	age, err := intArg(args, "age")
	if err != nil {
		return "", err
	}
	userdata := a.UserDataFor(sessionFrom(args))
	userdata.SetUserInfo(name, age)
	return fmt.Sprintf("Okay, now I will remember your name is %s and you are %d year old.", name, age), nil
}

func (a *Assistant) getUserData(args map[string]any) (string, error) {
	userdata := a.UserDataFor(sessionFrom(args))
	info, ok := userdata.GetUserInfo()
	if !ok {
		return "I don't know your name. Please introduce your name and your age", nil
	}
	return fmt.Sprintf("Your name: %s and your age: %d", info.Name, info.Age), nil
}

func sessionFrom(args map[string]any) string {
	if v, ok := args[frames.MetaSessionID].(string); ok {
		return v
	}
	return ""
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("invalid %s", key)
	}
	return s, nil
}

func intArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("invalid %s", key)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("invalid %s", key)
	}
}
