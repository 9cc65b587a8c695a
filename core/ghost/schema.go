package ghost

// runtimeConfigSchemaRaw describes the fields the supervisor must always hand to the
// application. Operator overrides may add fields but never remove these.
var runtimeConfigSchemaRaw = `{
	"type": "object",
	"required": ["url", "server", "database", "mail", "logging", "process", "paths"],
	"properties": {
		"url": { "type": "string", "minLength": 1 },
		"server": {
			"type": "object",
			"required": ["port", "host"],
			"properties": {
				"port": { "type": "integer", "minimum": 1, "maximum": 65535 },
				"host": { "type": "string", "minLength": 1 }
			}
		},
		"database": {
			"type": "object",
			"required": ["client", "connection"],
			"properties": {
				"client": { "type": "string" },
				"connection": {
					"type": "object",
					"required": ["filename"],
					"properties": {
						"filename": { "type": "string", "minLength": 1 }
					}
				}
			}
		},
		"mail": {
			"type": "object",
			"required": ["transport"]
		},
		"logging": {
			"type": "object",
			"required": ["transports"],
			"properties": {
				"transports": { "type": "array", "items": { "type": "string" } }
			}
		},
		"process": { "type": "string" },
		"paths": {
			"type": "object",
			"required": ["contentPath"],
			"properties": {
				"contentPath": { "type": "string", "minLength": 1 }
			}
		}
	}
}`

// RuntimeConfigSchema returns the JSON schema every generated runtime config must satisfy.
func RuntimeConfigSchema() []byte {
	return []byte(runtimeConfigSchemaRaw)
}
