package v1

import "time"

// DispatchUser carries the identity and git binding of the user a dispatch
// runs on behalf of.
type DispatchUser struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	UserName  string `json:"user_name,omitempty"`
	GitDomain string `json:"git_domain,omitempty"`
	GitToken  string `json:"git_token,omitempty"`
	GitID     string `json:"git_id,omitempty"`
	GitLogin  string `json:"git_login,omitempty"`
	GitEmail  string `json:"git_email,omitempty"`
}

// DispatchBot is one resolved bot in a dispatch unit: ghost, shell and model
// joined into a flat executor-facing view.
type DispatchBot struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	ShellType    string            `json:"shell_type"`
	AgentConfig  map[string]any    `json:"agent_config,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	MCPServers   []MCPServer       `json:"mcp_servers,omitempty"`
	Skills       []string          `json:"skills,omitempty"`
	Role         string            `json:"role,omitempty"`
	BaseImage    string            `json:"base_image,omitempty"`
	Model        *DispatchModel    `json:"model,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// DispatchModel is the resolved model binding, api key already decrypted.
type DispatchModel struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
	APIKey    string `json:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
}

// MCPServer describes one MCP endpoint a bot connects to.
type MCPServer struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Attachment is an opaque file descriptor forwarded to the executor.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// DispatchUnit is one element of the POST /dispatch body.
type DispatchUnit struct {
	SubtaskID         int64             `json:"subtask_id"`
	SubtaskNextID     int64             `json:"subtask_next_id,omitempty"`
	TaskID            int64             `json:"task_id"`
	Type              string            `json:"type"`
	ExecutorName      string            `json:"executor_name"`
	ExecutorNamespace string            `json:"executor_namespace"`
	SubtaskTitle      string            `json:"subtask_title"`
	TaskTitle         string            `json:"task_title"`
	User              DispatchUser      `json:"user"`
	Bots              []DispatchBot     `json:"bot"`
	TeamID            int64             `json:"team_id"`
	TeamNamespace     string            `json:"team_namespace"`
	Mode              string            `json:"mode"`
	GitDomain         string            `json:"git_domain,omitempty"`
	GitRepo           string            `json:"git_repo,omitempty"`
	GitRepoID         string            `json:"git_repo_id,omitempty"`
	BranchName        string            `json:"branch_name,omitempty"`
	GitURL            string            `json:"git_url,omitempty"`
	Prompt            string            `json:"prompt"`
	AuthToken         string            `json:"auth_token,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	Status            string            `json:"status"`
	Progress          int               `json:"progress"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	NewSession        bool              `json:"new_session"`
	TraceContext      map[string]string `json:"trace_context,omitempty"`
}

// CancelRequest is the POST /cancel body; idempotent on the executor side.
type CancelRequest struct {
	TaskID int64 `json:"task_id"`
}

// DeleteRequest is the POST /delete body, best effort.
type DeleteRequest struct {
	ExecutorName      string `json:"executor_name"`
	ExecutorNamespace string `json:"executor_namespace"`
}
