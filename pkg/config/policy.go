package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the security policy consumed by the scanners and the tool
// executor. The built-in policy ships with the binary; a YAML policy file
// adds to it (patterns merge by name, lists append).
type Policy struct {
	// Named regexes the credential scanner compiles.
	CredentialPatterns map[string]string `yaml:"credential_patterns"`

	// Literal paths the sensitive-path scanner looks for.
	SensitivePaths []string `yaml:"sensitive_paths"`

	// Extra command patterns on top of the scanner's built-in set.
	CommandPatterns map[string]string `yaml:"command_patterns"`

	// Shell builtins/binaries the shell tool may invoke.
	AllowedShellCommands []string `yaml:"allowed_shell_commands"`

	// Tool names that always need human approval.
	ApprovalRequiredTools []string `yaml:"approval_required_tools"`
}

// BuiltinPolicy returns the policy compiled into the binary.
func BuiltinPolicy() *Policy {
	return &Policy{
		CredentialPatterns: map[string]string{
			"aws_access_key":  `AKIA[0-9A-Z]{16}`,
			"aws_secret_key":  `(?i)aws_secret_access_key\s*[=:]\s*\S{30,}`,
			"anthropic_key":   `sk-ant-[A-Za-z0-9_\-]{16,}`,
			"openai_key":      `sk-[A-Za-z0-9]{40,}`,
			"github_pat":      `ghp_[A-Za-z0-9]{36}`,
			"github_oauth":    `gho_[A-Za-z0-9]{36}`,
			"slack_token":     `xox[baprs]-[A-Za-z0-9\-]{10,}`,
			"private_key_pem": `-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`,
			"jwt_token":       `eyJ[A-Za-z0-9_\-]{10,}\.eyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}`,
			"mongodb_uri":     `mongodb(?:\+srv)?://[^\s:]+:[^\s@]+@[^\s/]+`,
			"postgres_uri":    `postgres(?:ql)?://[^\s:]+:[^\s@]+@[^\s/]+`,
			"redis_uri":       `redis://[^\s:]*:[^\s@]+@[^\s/]+`,
			"generic_secret":  `(?i)(?:api[_-]?key|secret|token|password)\s*[=:]\s*['"][A-Za-z0-9_\-]{20,}['"]`,
		},
		SensitivePaths: []string{
			"/etc/shadow",
			"/etc/passwd",
			"/etc/sudoers",
			"/root/.ssh",
			"~/.ssh",
			".ssh/id_rsa",
			".ssh/id_ed25519",
			"authorized_keys",
			".aws/credentials",
			".config/gcloud",
			"/proc/self/environ",
			"/var/log/auth.log",
			".bash_history",
			".netrc",
			".pgpass",
			".docker/config.json",
			".kube/config",
		},
		CommandPatterns: map[string]string{},
		AllowedShellCommands: []string{
			"ls", "cat", "head", "tail", "wc", "grep", "find",
			"echo", "date", "pwd", "whoami", "df", "du", "uname",
			"python3", "node", "go", "git", "curl", "jq", "sort", "uniq",
		},
		ApprovalRequiredTools: []string{
			"shell", "podman_build", "podman_run", "podman_stop",
		},
	}
}

// LoadPolicy merges a YAML policy file over the built-in policy. An empty
// path returns the built-in policy unchanged.
func LoadPolicy(path string) (*Policy, error) {
	policy := BuiltinPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var user Policy
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}

	for name, pattern := range user.CredentialPatterns {
		policy.CredentialPatterns[name] = pattern
	}
	for name, pattern := range user.CommandPatterns {
		policy.CommandPatterns[name] = pattern
	}
	policy.SensitivePaths = appendUnique(policy.SensitivePaths, user.SensitivePaths)
	policy.AllowedShellCommands = appendUnique(policy.AllowedShellCommands, user.AllowedShellCommands)
	policy.ApprovalRequiredTools = appendUnique(policy.ApprovalRequiredTools, user.ApprovalRequiredTools)

	return policy, nil
}

// RequiresApproval reports whether the tool name is on the approval list.
func (p *Policy) RequiresApproval(tool string) bool {
	for _, t := range p.ApprovalRequiredTools {
		if t == tool {
			return true
		}
	}
	return false
}

// ShellCommandAllowed reports whether the first word of a shell command is
// on the allowlist.
func (p *Policy) ShellCommandAllowed(cmd string) bool {
	for _, a := range p.AllowedShellCommands {
		if a == cmd {
			return true
		}
	}
	return false
}

func appendUnique(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, s := range base {
		seen[s] = struct{}{}
	}
	for _, s := range extra {
		if _, ok := seen[s]; !ok {
			base = append(base, s)
			seen[s] = struct{}{}
		}
	}
	return base
}
