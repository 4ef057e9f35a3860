package webhook

const replyFooter = `

Finish with the reply itself; it is posted back verbatim.`

// BuiltinConfigs returns fresh copies of the GitHub, Jira, Slack and Sentry
// webhook definitions.
func BuiltinConfigs() []Config {
	return []Config{githubConfig(), jiraConfig(), slackConfig(), sentryConfig()}
}

func githubConfig() Config {
	return Config{
		Name:          "github",
		Endpoint:      "/webhooks/github",
		Source:        "github",
		Description:   "GitHub webhook for issues, PRs, and comments",
		TargetAgent:   "brain",
		CommandPrefix: "@agent",
		Commands: []Command{
			{
				Name:        "analyze",
				Aliases:     []string{"analysis", "analyze-issue"},
				Description: "Analyze an issue or PR",
				TargetAgent: "planning",
				PromptTemplate: `Analyze GitHub {{_event_type}} #{{issue.number}} in repository {{repository.full_name}}.

Title: {{issue.title}}

{{issue.body}}

Request: {{_user_content}}` + replyFooter,
			},
			{
				Name:        "plan",
				Aliases:     []string{"plan-fix", "create-plan"},
				Description: "Create a plan to fix an issue",
				TargetAgent: "planning",
				PromptTemplate: `Create a detailed plan to fix issue #{{issue.number}} in repository {{repository.full_name}}.

Title: {{issue.title}}

{{issue.body}}

Request: {{_user_content}}` + replyFooter,
			},
			{
				Name:        "fix",
				Aliases:     []string{"implement", "execute"},
				Description: "Implement a fix for an issue",
				TargetAgent: "executor",
				PromptTemplate: `Implement a fix for issue #{{issue.number}} in repository {{repository.full_name}}.

Title: {{issue.title}}

{{issue.body}}

Request: {{_user_content}}

Summarize what was done.` + replyFooter,
				RequiresApproval: true,
			},
			{
				Name:        "review",
				Aliases:     []string{"code-review", "review-pr"},
				Description: "Review a pull request",
				TargetAgent: "planning",
				PromptTemplate: `Review pull request #{{pull_request.number}} in repository {{repository.full_name}}.

Title: {{pull_request.title}}
Head: {{pull_request.head.ref}} -> Base: {{pull_request.base.ref}}

Request: {{_user_content}}` + replyFooter,
			},
		},
		DefaultCommand:    "analyze",
		RequiresSignature: true,
		SignatureHeader:   "X-Hub-Signature-256",
		SecretEnvVar:      "GITHUB_WEBHOOK_SECRET",
	}
}

func jiraConfig() Config {
	return Config{
		Name:          "jira",
		Endpoint:      "/webhooks/jira",
		Source:        "jira",
		Description:   "Jira webhook for issue updates and comments",
		TargetAgent:   "brain",
		CommandPrefix: "@agent",
		Commands: []Command{
			{
				Name:        "analyze",
				Aliases:     []string{"analysis", "analyze-ticket"},
				Description: "Analyze a Jira ticket",
				TargetAgent: "planning",
				PromptTemplate: `Analyze this Jira ticket:

Key: {{issue.key}}
Summary: {{issue.fields.summary}}
Description: {{issue.fields.description}}

Project: {{issue.fields.project.name}}

Request: {{_user_content}}` + replyFooter,
			},
			{
				Name:        "plan",
				Aliases:     []string{"plan-fix", "create-plan"},
				Description: "Create a plan to resolve a Jira ticket",
				TargetAgent: "planning",
				PromptTemplate: `Create a detailed plan to resolve this Jira ticket:

{{issue.key}}: {{issue.fields.summary}}

{{issue.fields.description}}

Project: {{issue.fields.project.name}}` + replyFooter,
			},
			{
				Name:        "fix",
				Aliases:     []string{"implement", "execute"},
				Description: "Implement a fix for a Jira ticket",
				TargetAgent: "executor",
				PromptTemplate: `Implement a fix for this Jira ticket:

{{issue.key}}: {{issue.fields.summary}}

{{issue.fields.description}}

Project: {{issue.fields.project.name}}

Summarize what was done.` + replyFooter,
				RequiresApproval: true,
			},
		},
		DefaultCommand:    "analyze",
		RequiresSignature: true,
		SignatureHeader:   "X-Jira-Signature",
		SecretEnvVar:      "JIRA_WEBHOOK_SECRET",
	}
}

func slackConfig() Config {
	return Config{
		Name:          "slack",
		Endpoint:      "/webhooks/slack",
		Source:        "slack",
		Description:   "Slack webhook for commands and mentions",
		TargetAgent:   "brain",
		CommandPrefix: "@agent",
		Commands: []Command{
			{
				Name:        "help",
				Aliases:     []string{"commands", "what-can-you-do"},
				Description: "Show available commands",
				TargetAgent: "brain",
				PromptTemplate: `User {{event.user}} asked for help in Slack channel {{event.channel}}.

Explain the available commands: help, analyze, execute.` + replyFooter,
			},
			{
				Name:        "analyze",
				Aliases:     []string{"analysis"},
				Description: "Analyze a request from Slack",
				TargetAgent: "brain",
				PromptTemplate: `Analyze this Slack message:

{{_user_content}}

User: {{event.user}}
Channel: {{event.channel}}` + replyFooter,
			},
			{
				Name:        "execute",
				Aliases:     []string{"do", "run"},
				Description: "Execute a command from Slack",
				TargetAgent: "executor",
				PromptTemplate: `Execute this request from Slack:

{{_user_content}}

User: {{event.user}}
Channel: {{event.channel}}` + replyFooter,
				RequiresApproval: true,
			},
		},
		DefaultCommand:    "analyze",
		RequiresSignature: true,
		SignatureHeader:   "X-Slack-Signature",
		SecretEnvVar:      "SLACK_WEBHOOK_SECRET",
	}
}

func sentryConfig() Config {
	return Config{
		Name:        "sentry",
		Endpoint:    "/webhooks/sentry",
		Source:      "sentry",
		Description: "Sentry webhook for error alerts",
		TargetAgent: "planning",
		Commands: []Command{
			{
				Name:        "analyze-error",
				Aliases:     []string{"analyze", "investigate"},
				Description: "Analyze a Sentry error",
				TargetAgent: "planning",
				PromptTemplate: `Analyze this Sentry error:

Title: {{data.event.title}}
Message: {{data.event.message}}
Level: {{data.event.level}}
Environment: {{data.event.environment}}
URL: {{data.event.web_url}}`,
			},
			{
				Name:        "fix-error",
				Aliases:     []string{"fix", "resolve"},
				Description: "Create a plan to fix a Sentry error",
				TargetAgent: "planning",
				PromptTemplate: `Create a plan to fix this Sentry error:

Title: {{data.event.title}}
Message: {{data.event.message}}
Level: {{data.event.level}}
Environment: {{data.event.environment}}
URL: {{data.event.web_url}}`,
			},
		},
		DefaultCommand:    "analyze-error",
		RequiresSignature: true,
		SignatureHeader:   "Sentry-Hook-Signature",
		SecretEnvVar:      "SENTRY_WEBHOOK_SECRET",
	}
}
