// Package resource implements the polymorphic resource store: configuration
// entities persisted as JSON documents keyed by (owner, kind, name, namespace)
// with public-scope fallback.
package resource

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the resource type stored in a row.
type Kind string

const (
	KindTeam         Kind = "Team"
	KindBot          Kind = "Bot"
	KindGhost        Kind = "Ghost"
	KindShell        Kind = "Shell"
	KindModel        Kind = "Model"
	KindWorkspace    Kind = "Workspace"
	KindTask         Kind = "Task"
	KindSubscription Kind = "Subscription"
)

// PublicOwner is the owner_id of publicly-scoped resources.
const PublicOwner int64 = 0

// DefaultNamespace is used when a reference does not carry a namespace.
const DefaultNamespace = "default"

// Resource is one row of the polymorphic container.
type Resource struct {
	ID        int64     `db:"id" json:"id"`
	OwnerID   int64     `db:"owner_id" json:"owner_id"`
	Kind      Kind      `db:"kind" json:"kind"`
	Name      string    `db:"name" json:"name"`
	Namespace string    `db:"namespace" json:"namespace"`
	JSON      []byte    `db:"json" json:"-"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DecodeSpec unmarshals the JSON document into the given spec.
func (r *Resource) DecodeSpec(spec any) error {
	if len(r.JSON) == 0 {
		return fmt.Errorf("resource %s/%s has no document", r.Kind, r.Name)
	}
	if err := json.Unmarshal(r.JSON, spec); err != nil {
		return fmt.Errorf("decode %s spec for %s: %w", r.Kind, r.Name, err)
	}
	return nil
}

// EncodeSpec marshals the spec into the JSON document.
func (r *Resource) EncodeSpec(spec any) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode %s spec for %s: %w", r.Kind, r.Name, err)
	}
	r.JSON = data
	return nil
}

// Ref is a name+namespace reference to another resource. An empty namespace
// resolves to DefaultNamespace.
type Ref struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool { return r.Name == "" }

// NamespaceOrDefault returns the namespace, defaulting when unset.
func (r Ref) NamespaceOrDefault() string {
	if r.Namespace == "" {
		return DefaultNamespace
	}
	return r.Namespace
}

// Collaboration models for teams.
const (
	CollabSolo      = "solo"
	CollabParallel  = "parallel"
	CollabPipeline  = "pipeline"
	CollabGroupChat = "group_chat"
)

// TeamMember is one ordered member of a team.
type TeamMember struct {
	BotRef              Ref    `json:"botRef"`
	Prompt              string `json:"prompt,omitempty"`
	Role                string `json:"role,omitempty"`
	RequireConfirmation bool   `json:"requireConfirmation,omitempty"`
}

// TeamSpec is the document of a Team resource.
type TeamSpec struct {
	Members            []TeamMember `json:"members"`
	CollaborationModel string       `json:"collaborationModel"`
}

// Shell types. ShellTypeChat streams in-process; everything else is
// dispatched to an external executor.
const (
	ShellTypeChat       = "Chat"
	ShellTypeClaudeCode = "ClaudeCode"
	ShellTypeAgno       = "Agno"
)

// BotSpec is the document of a Bot resource.
type BotSpec struct {
	GhostRef Ref `json:"ghostRef"`
	ShellRef Ref `json:"shellRef"`
	ModelRef Ref `json:"modelRef,omitempty"`
	// BindModel overrides ModelRef when non-empty; BindModelType selects
	// the resolution scope (public, user, group).
	BindModel     string         `json:"bindModel,omitempty"`
	BindModelType string         `json:"bindModelType,omitempty"`
	AgentConfig   map[string]any `json:"agentConfig,omitempty"`
}

// MCPServerConfig describes one MCP server a ghost connects to.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// GhostSpec is the document of a Ghost resource (persona + tools).
type GhostSpec struct {
	SystemPrompt string            `json:"systemPrompt"`
	MCPServers   []MCPServerConfig `json:"mcpServers,omitempty"`
	Skills       []string          `json:"skills,omitempty"`
}

// ShellSpec is the document of a Shell resource.
type ShellSpec struct {
	ShellType string `json:"shellType"`
	BaseImage string `json:"baseImage,omitempty"`
}

// ModelSpec is the document of a Model resource. APIKey is encrypted at
// rest; it is decrypted only when assembling a dispatch payload or shell
// request.
type ModelSpec struct {
	Provider  string `json:"provider"`
	ModelName string `json:"modelName"`
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
}

// WorkspaceSpec is the document of a Workspace resource (git binding).
type WorkspaceSpec struct {
	GitDomain  string `json:"gitDomain,omitempty"`
	GitRepo    string `json:"gitRepo,omitempty"`
	GitRepoID  string `json:"gitRepoId,omitempty"`
	BranchName string `json:"branchName,omitempty"`
}

// Task label keys and values.
const (
	LabelType                 = "type"
	LabelSource               = "source"
	LabelUserInteracted       = "userInteracted"
	LabelSubscriptionID       = "subscriptionId"
	LabelExecutionID          = "executionId"
	LabelModelID              = "modelId"
	LabelForceOverrideModel   = "forceOverrideBotModel"
	LabelModelNamespaceType   = "modelNamespaceType"

	TaskTypeOnline       = "online"
	TaskTypeOffline      = "offline"
	TaskTypeSubscription = "subscription"
	TaskTypeFlow         = "flow"

	SourceChatShell = "chat_shell"
)

// TaskStatusBlock is the mutable status part of a Task document.
type TaskStatusBlock struct {
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Result       string     `json:"result,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// TaskSpec is the document of a Task resource.
type TaskSpec struct {
	Title        string            `json:"title"`
	TeamRef      Ref               `json:"teamRef"`
	WorkspaceRef Ref               `json:"workspaceRef,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Status       TaskStatusBlock   `json:"status"`
	AppData      map[string]any    `json:"appData,omitempty"`
}

// Subscription trigger types.
const (
	TriggerCron     = "cron"
	TriggerInterval = "interval"
	TriggerOneTime  = "one_time"
)

// SubscriptionSpec is the user-managed part of a Subscription document.
type SubscriptionSpec struct {
	Trigger             string `json:"trigger"`
	CronExpression      string `json:"cronExpression,omitempty"`
	IntervalSeconds     int64  `json:"intervalSeconds,omitempty"`
	TeamRef             Ref    `json:"teamRef"`
	WorkspaceRef        Ref    `json:"workspaceRef,omitempty"`
	ModelRef            Ref    `json:"modelRef,omitempty"`
	PromptTemplate      string `json:"promptTemplate"`
	PreserveHistory     bool   `json:"preserveHistory,omitempty"`
	HistoryMessageCount int    `json:"historyMessageCount,omitempty"`
	Enabled             bool   `json:"enabled"`
	// RentalOf points at the source subscription when this instance is a
	// rental; its team/prompt/workspace are overlaid at execution time.
	RentalOf Ref `json:"rentalOf,omitempty"`
}

// SubscriptionInternal carries scheduler-managed fields.
type SubscriptionInternal struct {
	NextExecutionTime *time.Time `json:"nextExecutionTime,omitempty"`
	BoundTaskID       int64      `json:"boundTaskId,omitempty"`
	Enabled           bool       `json:"enabled"`
}

// SubscriptionDoc is the full Subscription document.
type SubscriptionDoc struct {
	SubscriptionSpec
	Internal SubscriptionInternal `json:"_internal"`
}
