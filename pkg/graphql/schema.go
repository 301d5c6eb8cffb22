// Package graphql exposes a read model plus targeted mutations over the
// platform entities, with offset and cursor pagination.
package graphql

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/graphql-go/graphql"

	"github.com/aria-platform/aria/pkg/agentpool"
	"github.com/aria-platform/aria/pkg/llm"
	"github.com/aria-platform/aria/pkg/models"
	"github.com/aria-platform/aria/pkg/services"
	"github.com/aria-platform/aria/pkg/store"
)

const defaultPageSize = 25

// ModelReporter is the gateway slice the models query needs.
type ModelReporter interface {
	Status() []llm.ModelStatus
}

// Deps bundles the resolvers' backends.
type Deps struct {
	Sessions *services.SessionService
	Pool     *agentpool.Pool
	Models   ModelReporter
	Cron     store.CronStore
}

type resolver struct {
	deps   Deps
	logger *slog.Logger
}

func encodeCursor(id string) string {
	return base64.StdEncoding.EncodeToString([]byte(id))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("invalid cursor")
	}
	return string(raw), nil
}

// newSchema builds the executable schema.
func newSchema(deps Deps, logger *slog.Logger) (graphql.Schema, error) {
	r := &resolver{deps: deps, logger: logger.With("component", "graphql")}

	sessionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Session",
		Fields: graphql.Fields{
			"cursor": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					sess, _ := p.Source.(*models.Session)
					if sess == nil {
						return nil, nil
					}
					return encodeCursor(sess.ID), nil
				},
			},
		},
	})
	// The remaining fields carry explicit resolvers so the camel-cased
	// schema names do not depend on the snake-cased json tags.
	bindSessionFields(sessionType)

	agentType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Agent",
		Fields: graphql.Fields{
			"id":        fieldOf(func(a *models.Agent) any { return a.ID }),
			"name":      fieldOf(func(a *models.Agent) any { return a.Name }),
			"role":      fieldOf(func(a *models.Agent) any { return a.Role }),
			"model":     fieldOf(func(a *models.Agent) any { return a.Model }),
			"state":     fieldOf(func(a *models.Agent) any { return string(a.State) }),
			"sessionId": fieldOf(func(a *models.Agent) any { return a.SessionID }),
		},
	})

	modelType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Model",
		Fields: graphql.Fields{
			"id":      statusField(func(m llm.ModelStatus) any { return m.ID }),
			"tier":    statusField(func(m llm.ModelStatus) any { return string(m.Tier) }),
			"circuit": statusField(func(m llm.ModelStatus) any { return m.Circuit }),
			"rpmUsed": statusField(func(m llm.ModelStatus) any { return int(m.RPMUsed) }),
			"tpdUsed": statusField(func(m llm.ModelStatus) any { return int(m.TPDUsed) }),
		},
	})

	cronType := graphql.NewObject(graphql.ObjectConfig{
		Name: "CronJob",
		Fields: graphql.Fields{
			"id":        cronField(func(j *models.CronJob) any { return j.ID }),
			"name":      cronField(func(j *models.CronJob) any { return j.Name }),
			"schedule":  cronField(func(j *models.CronJob) any { return j.Schedule }),
			"skill":     cronField(func(j *models.CronJob) any { return j.Skill }),
			"action":    cronField(func(j *models.CronJob) any { return j.Action }),
			"model":     cronField(func(j *models.CronJob) any { return j.Model }),
			"enabled": &graphql.Field{
				Type: graphql.Boolean,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					j, _ := p.Source.(*models.CronJob)
					if j == nil {
						return nil, nil
					}
					return j.Enabled, nil
				},
			},
			"lastError": cronField(func(j *models.CronJob) any { return j.LastError }),
		},
	})

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"sessions": &graphql.Field{
				Type: graphql.NewList(sessionType),
				Args: graphql.FieldConfigArgument{
					"type":   &graphql.ArgumentConfig{Type: graphql.String},
					"limit":  &graphql.ArgumentConfig{Type: graphql.Int},
					"offset": &graphql.ArgumentConfig{Type: graphql.Int},
					"first":  &graphql.ArgumentConfig{Type: graphql.Int},
					"after":  &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: r.resolveSessions,
			},
			"session": &graphql.Field{
				Type: sessionType,
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: r.resolveSession,
			},
			"agents": &graphql.Field{
				Type:    graphql.NewList(agentType),
				Resolve: r.resolveAgents,
			},
			"models": &graphql.Field{
				Type:    graphql.NewList(modelType),
				Resolve: r.resolveModels,
			},
			"cronJobs": &graphql.Field{
				Type:    graphql.NewList(cronType),
				Resolve: r.resolveCronJobs,
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"createSession": &graphql.Field{
				Type: sessionType,
				Args: graphql.FieldConfigArgument{
					"type":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"title": &graphql.ArgumentConfig{Type: graphql.String},
					"model": &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: r.createSession,
			},
			"updateSessionTitle": &graphql.Field{
				Type: sessionType,
				Args: graphql.FieldConfigArgument{
					"id":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"title": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: r.updateSessionTitle,
			},
			"archiveSession": &graphql.Field{
				Type: graphql.Boolean,
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: r.archiveSession,
			},
			"spawnAgent": &graphql.Field{
				Type: agentType,
				Args: graphql.FieldConfigArgument{
					"name":         &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"role":         &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"model":        &graphql.ArgumentConfig{Type: graphql.String},
					"instructions": &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: r.spawnAgent,
			},
			"terminateAgent": &graphql.Field{
				Type: graphql.Boolean,
				Args: graphql.FieldConfigArgument{
					"id":      &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"archive": &graphql.ArgumentConfig{Type: graphql.Boolean},
				},
				Resolve: r.terminateAgent,
			},
			"upsertCronJob": &graphql.Field{
				Type: cronType,
				Args: graphql.FieldConfigArgument{
					"name":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"schedule": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"skill":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"action":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"model":    &graphql.ArgumentConfig{Type: graphql.String},
					"enabled":  &graphql.ArgumentConfig{Type: graphql.Boolean},
				},
				Resolve: r.upsertCronJob,
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: query, Mutation: mutation})
}

func bindSessionFields(obj *graphql.Object) {
	bind := func(name string, get func(*models.Session) any) {
		obj.AddFieldConfig(name, &graphql.Field{
			Type: fieldType(name),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				sess, _ := p.Source.(*models.Session)
				if sess == nil {
					return nil, nil
				}
				return get(sess), nil
			},
		})
	}
	bind("id", func(s *models.Session) any { return s.ID })
	bind("type", func(s *models.Session) any { return string(s.Type) })
	bind("title", func(s *models.Session) any { return s.Title })
	bind("status", func(s *models.Session) any { return string(s.Status) })
	bind("model", func(s *models.Session) any { return s.Model })
	bind("agentId", func(s *models.Session) any { return s.AgentID })
	bind("messageCount", func(s *models.Session) any { return s.MessageCount })
	bind("inputTokens", func(s *models.Session) any { return int(s.InputTokens) })
	bind("outputTokens", func(s *models.Session) any { return int(s.OutputTokens) })
}

func fieldType(name string) graphql.Output {
	switch name {
	case "messageCount", "inputTokens", "outputTokens":
		return graphql.Int
	default:
		return graphql.String
	}
}

func fieldOf(get func(*models.Agent) any) *graphql.Field {
	return &graphql.Field{
		Type: graphql.String,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			a, _ := p.Source.(*models.Agent)
			if a == nil {
				return nil, nil
			}
			return get(a), nil
		},
	}
}

func statusField(get func(llm.ModelStatus) any) *graphql.Field {
	return &graphql.Field{
		Type: graphql.String,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			m, ok := p.Source.(llm.ModelStatus)
			if !ok {
				return nil, nil
			}
			return get(m), nil
		},
	}
}

func cronField(get func(*models.CronJob) any) *graphql.Field {
	return &graphql.Field{
		Type: graphql.String,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			j, _ := p.Source.(*models.CronJob)
			if j == nil {
				return nil, nil
			}
			return get(j), nil
		},
	}
}

func stringArg(p graphql.ResolveParams, name string) string {
	v, _ := p.Args[name].(string)
	return v
}

func intArg(p graphql.ResolveParams, name string, def int) int {
	if v, ok := p.Args[name].(int); ok && v > 0 {
		return v
	}
	return def
}

func (r *resolver) resolveSessions(p graphql.ResolveParams) (any, error) {
	ctx := p.Context
	filter := store.SessionFilter{}
	if t := stringArg(p, "type"); t != "" {
		filter.Type = models.SessionType(t)
	}

	// Cursor pagination takes precedence over offset when both are given.
	if after, ok := p.Args["after"].(string); ok && after != "" {
		return r.sessionsAfter(ctx, filter, after, intArg(p, "first", defaultPageSize))
	}

	filter.Limit = intArg(p, "limit", intArg(p, "first", defaultPageSize))
	filter.Offset = intArg(p, "offset", 0)
	result, err := r.deps.Sessions.ListSessions(ctx, filter)
	if err != nil {
		return nil, r.fail("sessions", err)
	}
	return result.Sessions, nil
}

// sessionsAfter pages past the cursor: the id encoded in it marks the last
// element of the previous page.
func (r *resolver) sessionsAfter(ctx context.Context, filter store.SessionFilter, after string, first int) (any, error) {
	afterID, err := decodeCursor(after)
	if err != nil {
		return nil, err
	}

	// Scan forward in stable order until the cursor row, then take the page.
	filter.Limit = 10000
	result, err := r.deps.Sessions.ListSessions(ctx, filter)
	if err != nil {
		return nil, r.fail("sessions", err)
	}
	start := 0
	for i, sess := range result.Sessions {
		if sess.ID == afterID {
			start = i + 1
			break
		}
	}
	end := start + first
	if end > len(result.Sessions) {
		end = len(result.Sessions)
	}
	return result.Sessions[start:end], nil
}

func (r *resolver) resolveSession(p graphql.ResolveParams) (any, error) {
	sess, err := r.deps.Sessions.GetSession(p.Context, stringArg(p, "id"))
	if err != nil {
		return nil, r.fail("session", err)
	}
	return sess, nil
}

func (r *resolver) resolveAgents(p graphql.ResolveParams) (any, error) {
	agents, err := r.deps.Pool.List(p.Context)
	if err != nil {
		return nil, r.fail("agents", err)
	}
	return agents, nil
}

func (r *resolver) resolveModels(p graphql.ResolveParams) (any, error) {
	return r.deps.Models.Status(), nil
}

func (r *resolver) resolveCronJobs(p graphql.ResolveParams) (any, error) {
	jobs, err := r.deps.Cron.List(p.Context)
	if err != nil {
		return nil, r.fail("cronJobs", err)
	}
	return jobs, nil
}

func (r *resolver) createSession(p graphql.ResolveParams) (any, error) {
	sess, err := r.deps.Sessions.CreateSession(p.Context, services.CreateSessionRequest{
		Type:  models.SessionType(stringArg(p, "type")),
		Title: stringArg(p, "title"),
		Model: stringArg(p, "model"),
	})
	if err != nil {
		return nil, r.fail("createSession", err)
	}
	return sess, nil
}

func (r *resolver) updateSessionTitle(p graphql.ResolveParams) (any, error) {
	id := stringArg(p, "id")
	if err := r.deps.Sessions.UpdateTitle(p.Context, id, stringArg(p, "title")); err != nil {
		return nil, r.fail("updateSessionTitle", err)
	}
	sess, err := r.deps.Sessions.GetSession(p.Context, id)
	if err != nil {
		return nil, r.fail("updateSessionTitle", err)
	}
	return sess, nil
}

func (r *resolver) archiveSession(p graphql.ResolveParams) (any, error) {
	archived, err := r.deps.Sessions.ArchiveSession(p.Context, stringArg(p, "id"))
	if err != nil {
		return nil, r.fail("archiveSession", err)
	}
	return archived, nil
}

func (r *resolver) spawnAgent(p graphql.ResolveParams) (any, error) {
	agent, err := r.deps.Pool.Spawn(p.Context, agentpool.SpawnRequest{
		Name:         stringArg(p, "name"),
		Role:         stringArg(p, "role"),
		Model:        stringArg(p, "model"),
		Instructions: stringArg(p, "instructions"),
	})
	if err != nil {
		return nil, r.fail("spawnAgent", err)
	}
	return agent, nil
}

func (r *resolver) terminateAgent(p graphql.ResolveParams) (any, error) {
	archive, _ := p.Args["archive"].(bool)
	if err := r.deps.Pool.Terminate(p.Context, stringArg(p, "id"), archive); err != nil {
		return nil, r.fail("terminateAgent", err)
	}
	return true, nil
}

func (r *resolver) upsertCronJob(p graphql.ResolveParams) (any, error) {
	enabled := true
	if v, ok := p.Args["enabled"].(bool); ok {
		enabled = v
	}
	job := &models.CronJob{
		Name:     stringArg(p, "name"),
		Schedule: stringArg(p, "schedule"),
		Skill:    stringArg(p, "skill"),
		Action:   stringArg(p, "action"),
		Model:    stringArg(p, "model"),
		Enabled:  enabled,
	}
	if err := r.deps.Cron.Upsert(p.Context, job); err != nil {
		return nil, r.fail("upsertCronJob", err)
	}
	return job, nil
}

// fail logs the resolver failure and returns a client-safe error.
func (r *resolver) fail(field string, err error) error {
	r.logger.Warn("resolver failed", "field", field, "error", err)
	return fmt.Errorf("%s: %w", field, err)
}
