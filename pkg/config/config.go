package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/okozlov/tgwatch/internal/models"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Registry RegistryConfig `mapstructure:"registry"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`

	// Sender block-list applied before any instance sees a message.
	IgnoreUsernames []string `mapstructure:"ignore_usernames"`
	IgnoreUserIDs   []int64  `mapstructure:"ignore_user_ids"`

	// Folder definitions: folder name -> member chat references
	// (@username, t.me link, or numeric id).
	Folders map[string][]string `mapstructure:"folders"`

	Instances []*models.Instance `mapstructure:"-"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	Proxy string `mapstructure:"proxy"`
}

type OpenAIConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
	ProxyURL string `mapstructure:"proxy_url"`
}

// RegistryConfig holds credentials for the optional prompt-registry and
// trace-observability backend. Both integrations are disabled when the keys
// are empty.
type RegistryConfig struct {
	PublicKey string `mapstructure:"public_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// Enabled switches stats/trace persistence from JSON files to Postgres.
	Enabled bool `mapstructure:"enabled"`
}

type StorageConfig struct {
	StatsPath      string `mapstructure:"stats_path"`
	TracePath      string `mapstructure:"trace_path"`
	EvalsDir       string `mapstructure:"evals_dir"`
	FeedbackDir    string `mapstructure:"feedback_dir"`
	FlushInterval  int    `mapstructure:"flush_interval"`
	RescanInterval int    `mapstructure:"rescan_interval"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
		Enabled:  true,
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("openai.model", "gpt-4.1-mini")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("storage.stats_path", "data/stats.json")
	v.SetDefault("storage.trace_path", "data/trace_ids.json")
	v.SetDefault("storage.evals_dir", "data/evals")
	v.SetDefault("storage.feedback_dir", "data/feedback")
	v.SetDefault("storage.flush_interval", 60)
	v.SetDefault("storage.rescan_interval", 3600)

	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	config.Instances = parseInstances(v)

	return &config, nil
}

// parseInstances reads the instances section by hand: prompt entries may be
// either bare strings or maps, which a plain struct unmarshal cannot express.
// A config without an instances section is wrapped into a single "default"
// instance built from the top-level keys.
func parseInstances(v *viper.Viper) []*models.Instance {
	raw := v.Get("instances")
	if raw == nil {
		// The default instance subscribes to every defined folder.
		folderNames := make([]string, 0)
		for name := range v.GetStringMapStringSlice("folders") {
			folderNames = append(folderNames, name)
		}
		sort.Strings(folderNames)

		inst := instanceFromMap(map[string]any{
			"name":                  "default",
			"folders":               folderNames,
			"chat_ids":              v.Get("chat_ids"),
			"entities":              v.Get("entities"),
			"words":                 v.Get("words"),
			"negative_words":        v.Get("negative_words"),
			"ignore_words":          v.Get("ignore_words"),
			"target_chat":           v.Get("target_chat"),
			"target_entity":         v.Get("target_entity"),
			"false_positive_entity": v.Get("false_positive_entity"),
			"true_positive_entity":  v.Get("true_positive_entity"),
			"no_forward_message":    v.Get("no_forward_message"),
			"prompts":               v.Get("prompts"),
		})
		if inst.Empty() {
			return nil
		}
		return []*models.Instance{inst}
	}

	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	var instances []*models.Instance
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		instances = append(instances, instanceFromMap(m))
	}
	return instances
}

func instanceFromMap(m map[string]any) *models.Instance {
	inst := &models.Instance{
		Name:                cast.ToString(m["name"]),
		Words:               cast.ToStringSlice(m["words"]),
		NegativeWords:       cast.ToStringSlice(m["negative_words"]),
		IgnoreWords:         cast.ToStringSlice(m["ignore_words"]),
		TargetChat:          cast.ToInt64(m["target_chat"]),
		TargetEntity:        cast.ToString(m["target_entity"]),
		TruePositiveEntity:  cast.ToString(m["true_positive_entity"]),
		FalsePositiveEntity: cast.ToString(m["false_positive_entity"]),
		Folders:             cast.ToStringSlice(m["folders"]),
		Entities:            cast.ToStringSlice(m["entities"]),
		FolderMute:          cast.ToBool(m["folder_mute"]),
		NoForwardMessage:    cast.ToBool(m["no_forward_message"]),
	}
	if inst.Name == "" {
		inst.Name = "instance"
	}

	var seed []int64
	for _, id := range cast.ToSlice(m["chat_ids"]) {
		seed = append(seed, cast.ToInt64(id))
	}
	if len(seed) > 0 {
		inst.AddChatIDs(seed)
	}

	for _, p := range cast.ToSlice(m["prompts"]) {
		switch pv := p.(type) {
		case string:
			inst.Prompts = append(inst.Prompts, &models.Prompt{
				Text:      pv,
				Threshold: models.DefaultThreshold,
			})
		case map[string]any:
			prompt := &models.Prompt{
				Name:            cast.ToString(pv["name"]),
				Text:            cast.ToString(pv["prompt"]),
				Threshold:       cast.ToInt(pv["threshold"]),
				RegistryName:    cast.ToString(pv["registry_name"]),
				RegistryLabel:   cast.ToString(pv["registry_label"]),
				RegistryVersion: cast.ToInt(pv["registry_version"]),
				RegistryType:    cast.ToString(pv["registry_type"]),
			}
			if prompt.Threshold == 0 {
				prompt.Threshold = models.DefaultThreshold
			}
			if prompt.RegistryName != "" && prompt.RegistryLabel == "" {
				prompt.RegistryLabel = "latest"
			}
			if prompt.RegistryName != "" && prompt.RegistryType == "" {
				prompt.RegistryType = "text"
			}
			if params, ok := pv["config"].(map[string]any); ok {
				prompt.Params = params
			}
			inst.Prompts = append(inst.Prompts, prompt)
		}
	}

	for _, t := range cast.ToSlice(m["folder_add_topic"]) {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		name := cast.ToString(tm["name"])
		if name == "" {
			continue
		}
		inst.FolderTopics = append(inst.FolderTopics, models.FolderTopic{
			Name:    name,
			Message: cast.ToString(tm["message"]),
		})
	}

	return inst
}
