package conversation

import "regexp"

// Capability tiers ordered by severity.
var capabilityTiers = map[string]int{
	"observe":    0,
	"read":       1,
	"write":      2,
	"execute":    3,
	"persist":    4,
	"exfiltrate": 5,
}

var tierKeywords = map[string][]string{
	"observe": {"list", "show", "display", "status", "check", "info", "describe", "what is"},
	"read":    {"read", "cat", "view", "open", "get contents", "print file", "head", "tail", "less"},
	"write":   {"write", "create", "edit", "modify", "append", "save", "update file", "overwrite"},
	"execute": {"run", "execute", "bash", "shell", "script", "command", "invoke", "launch"},
	"persist": {
		"cron", "crontab", "systemd", "service", "startup", "autostart", "schedule",
		"daemon", "boot", "init.d", "rc.local", "persist", "backdoor",
	},
	"exfiltrate": {
		"curl", "wget", "upload", "send to", "post to", "exfil", "transfer out",
		"base64 encode", "dns tunnel", "reverse shell", "nc -e", "netcat",
	},
}

var instructionOverridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bfrom now on\b`),
	regexp.MustCompile(`(?i)\byou are now\b`),
	regexp.MustCompile(`(?i)\bas we discussed\b`),
	regexp.MustCompile(`(?i)\bforget (?:(?:your |all |previous |the )*)?(?:instructions|rules|constraints)\b`),
	regexp.MustCompile(`(?i)\bignore (?:(?:your |all |previous |the )*)?(?:instructions|rules|constraints|policies)\b`),
	regexp.MustCompile(`(?i)\byour new (?:role|persona|identity|instructions)\b`),
	regexp.MustCompile(`(?i)\byou (?:must|should|will) now\b`),
	regexp.MustCompile(`(?i)\bact as (?:if you are|a|an|my)\b`),
	regexp.MustCompile(`(?i)\bpretend (?:you are|to be|that)\b`),
	regexp.MustCompile(`(?i)\bswitch to (?:\w+ )?mode\b`),
	regexp.MustCompile(`(?i)\benable (?:developer|debug|admin|god|unrestricted) mode\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	// "Do Anything Now" is an acronym, keep it case-sensitive.
	regexp.MustCompile(`\bDAN\b`),
	regexp.MustCompile(`(?i)\bsystem\s+override\b`),
	regexp.MustCompile(`(?i)\bsafety\s+mode\s+(?:is\s+)?off\b`),
	regexp.MustCompile(`(?i)\ball\s+restrictions?\s+(?:are\s+)?(?:now\s+)?(?:lifted|removed|disabled)\b`),
	regexp.MustCompile(`(?i)\byour\s+(?:programming|rules|constraints)\s+(?:ha(?:ve|s)\s+been)\s+(?:revised|updated|changed|removed)\b`),
	regexp.MustCompile(`(?i)\bbypass\s+(?:all\s+)?(?:filters?|security|restrictions?|constraints?)\b`),
	regexp.MustCompile(`(?i)\b(?:new|updated)\s+directive\b`),
	regexp.MustCompile(`(?i)\bdisable\s+(?:content\s+)?filter(?:ing|s)?\b`),
}

var sensitiveTopics = []string{
	"password", "secret", "credential", "api key", "token", "private key",
	"shadow", "passwd", "/etc/shadow", ".ssh", "authorized_keys",
	"root access", "sudo", "privilege", "escalat",
	"reverse shell", "backdoor", "exploit", "payload", "malware",
	"disable security", "disable firewall", "disable logging",
	"delete logs", "clear history", "cover tracks",
	"/root/", "/home/", "/var/log/", "bash_history", ".bashrc",
	"sudoers", "auth.log", "system access",
}

var contextReferencePhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bas (?:I|we) (?:mentioned|discussed|said|noted)\b`),
	regexp.MustCompile(`(?i)\byou (?:already|previously) (?:said|confirmed|agreed|told me)\b`),
	regexp.MustCompile(`(?i)\bremember (?:when|that|earlier)\b`),
	regexp.MustCompile(`(?i)\bbased on (?:our|the) (?:earlier|previous|prior) (?:conversation|discussion)\b`),
	regexp.MustCompile(`(?i)\bcontinuing (?:from|where|what)\b`),
	regexp.MustCompile(`(?i)\bso (?:now|next|then) (?:can you|let's|we can)\b`),
}

var escalationLanguage = []string{
	"now that we have", "next step", "final step", "the real task",
	"what i actually need", "the important part",
}

var reconPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:ls|list|dir)\s+`),
	regexp.MustCompile(`(?i)\blist\s+(?:files|directories|folders)\b`),
	regexp.MustCompile(`(?i)\bwhat(?:'s| is)\s+in\b`),
	regexp.MustCompile(`(?i)\bshow\s+(?:me\s+)?(?:the\s+)?(?:files|contents|directory|folder)\b`),
	regexp.MustCompile(`(?i)\bcontents?\s+of\b`),
	regexp.MustCompile(`(?i)\btree\s+`),
	regexp.MustCompile(`(?i)\bfind\s+.*(?:/\w+)`),
}

var topicCategories = map[string][]string{
	"code":     {"write code", "function", "class", "implement", "refactor", "debug", "algorithm", "variable"},
	"text":     {"write", "essay", "summarize", "translate", "explain", "describe", "poem", "story"},
	"file":     {"file", "directory", "path", "read file", "list files", "contents of"},
	"system":   {"execute", "run", "bash", "shell", "command", "sudo", "process", "kill", "service"},
	"question": {"what is", "how does", "why", "can you explain", "tell me about", "help me understand"},
}

// Topic classification priority, highest risk first.
var topicPriority = []string{"system", "file", "code", "text", "question"}
