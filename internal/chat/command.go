package chat

import (
	"fmt"
	"strings"
	"time"
)

// CommandPrefix starts a bot command, e.g. "!mai_help".
const CommandPrefix = "!mai_"

// TopicSource is the knowledge table as seen by commands.
// *knowledge.Store implements it.
type TopicSource interface {
	Topics() []string
	Resolve(topic string) string
}

// CommandHandler answers "!mai_" commands without calling the model.
type CommandHandler struct {
	topics   TopicSource
	models   []string
	stats    *Stats
	operator string
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Topics   TopicSource
	Models   []string // fallback chain, in order
	Stats    *Stats
	Operator string // account name allowed to run status; empty disables it
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Topics == nil {
		return nil, fmt.Errorf("chat: command handler: topics are required")
	}
	if opts.Stats == nil {
		return nil, fmt.Errorf("chat: command handler: stats are required")
	}
	return &CommandHandler{
		topics:   opts.Topics,
		models:   opts.Models,
		stats:    opts.Stats,
		operator: opts.Operator,
	}, nil
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, CommandPrefix)
}

// parseCommand strips the prefix and splits the remaining text into the
// command name and its arguments.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), CommandPrefix))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// Execute runs a command for the given author and returns the response text.
func (ch *CommandHandler) Execute(text, author string) string {
	name, args := parseCommand(text)
	switch name {
	case "", "help":
		return ch.helpText()
	case "topics":
		return ch.cmdTopics()
	case "topic":
		return ch.cmdTopic(args)
	case "status":
		if !ch.isOperator(author) {
			return "⛔ Solo el operador del bot puede usar este comando."
		}
		return ch.cmdStatus()
	default:
		return fmt.Sprintf("Comando desconocido: `%s%s`\n\n%s", CommandPrefix, name, ch.helpText())
	}
}

func (ch *CommandHandler) isOperator(author string) bool {
	return ch.operator != "" && strings.EqualFold(author, ch.operator)
}

func (ch *CommandHandler) cmdTopics() string {
	topics := ch.topics.Topics()
	var b strings.Builder
	fmt.Fprintf(&b, "**Temas disponibles** (%d)\n", len(topics))
	for _, t := range topics {
		fmt.Fprintf(&b, "• `%s`\n", t)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (ch *CommandHandler) cmdTopic(args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Uso: `%stopic <tema>`", CommandPrefix)
	}
	return ch.topics.Resolve(strings.Join(args, " "))
}

func (ch *CommandHandler) cmdStatus() string {
	snap := ch.stats.Snapshot()
	var b strings.Builder
	b.WriteString("**Estado de M.A.I.**\n")
	fmt.Fprintf(&b, "Activa desde: %s (%s)\n", snap.Started.UTC().Format(time.RFC3339), snap.Uptime.Truncate(time.Second))
	fmt.Fprintf(&b, "Consultas: %d | Fallidas: %d | Degradadas: %d\n", snap.Handled, snap.Failed, snap.Degraded)
	if len(ch.models) > 0 {
		fmt.Fprintf(&b, "Modelos: %s", strings.Join(ch.models, " → "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	return "**Comandos de M.A.I.**\n" +
		"`" + CommandPrefix + "help`: este mensaje\n" +
		"`" + CommandPrefix + "topics`: temas de información disponibles\n" +
		"`" + CommandPrefix + "topic <tema>`: muestra un tema\n" +
		"`" + CommandPrefix + "status`: estado del bot (solo operador)\n" +
		"O mencióname con tu pregunta 🐐"
}
