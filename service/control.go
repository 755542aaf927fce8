package service

// Commands of a connection's root control channel. Each created script gets a channel named after it,
// carrying a nested multiplexer served by a ScriptService.
const (
	CmdListScripts   = "list_scripts"
	CmdCreateScript  = "create_script"
	CmdDestroyScript = "destroy_script"
)

type ScriptRequest struct {
	Name string `json:"name"`
}

const ScriptRequestSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {"name": {"type": "string", "minLength": 1}}
}`
