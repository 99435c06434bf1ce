package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"
	"github.com/yosida95/uritemplate/v3"
)

// ToolHandler runs a registered tool with its already validated arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage, progress ProgressReporter,
	requestClient RequestClientFunc) (CallToolResult, error)

// PromptHandler renders a registered prompt. Required arguments are checked before it runs.
type PromptHandler func(ctx context.Context, args map[string]string) (GetPromptResult, error)

// ResourceReader returns the contents of a registered resource.
type ResourceReader func(ctx context.Context, uri string) ([]ResourceContents, error)

// TemplateReader returns the contents of a URI matching a registered template, with the
// template variables extracted from the URI.
type TemplateReader func(ctx context.Context, uri string, vars map[string]string) ([]ResourceContents, error)

// CompletionFunc suggests values for an argument given its current prefix.
type CompletionFunc func(ctx context.Context, value string) ([]string, error)

// RegistryOption represents the options for the registry.
type RegistryOption func(*Registry)

// Registry is an explicit, in-process catalogue of tools, prompts and resources. It is built
// once and handed to the server with WithRegistry; every change is announced to connected
// sessions through the list-changed notifications.
type Registry struct {
	mu sync.RWMutex

	tools     []string
	toolDefs  map[string]registeredTool
	prompts   []string
	promptDef map[string]registeredPrompt
	resources []string
	resDefs   map[string]registeredResource
	templates []registeredTemplate

	completions map[completionKey]CompletionFunc

	pageSize int

	toolsChanged     chan struct{}
	promptsChanged   chan struct{}
	resourcesChanged chan struct{}
	resourceUpdates  chan string
}

type registeredTool struct {
	tool    Tool
	schema  *gojsonschema.Schema
	handler ToolHandler
}

type registeredPrompt struct {
	prompt  Prompt
	handler PromptHandler
}

type registeredResource struct {
	resource Resource
	reader   ResourceReader
}

type registeredTemplate struct {
	template ResourceTemplate
	matcher  *uritemplate.Template
	reader   TemplateReader
}

type completionKey struct {
	refType string
	ref     string
	arg     string
}

var _ ToolCallValidator = (*Registry)(nil)

const (
	defaultRegistryPageSize = 50
	maxCompletionValues     = 100
)

// NewRegistry returns an empty Registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		toolDefs:         make(map[string]registeredTool),
		promptDef:        make(map[string]registeredPrompt),
		resDefs:          make(map[string]registeredResource),
		completions:      make(map[completionKey]CompletionFunc),
		pageSize:         defaultRegistryPageSize,
		toolsChanged:     make(chan struct{}, 1),
		promptsChanged:   make(chan struct{}, 1),
		resourcesChanged: make(chan struct{}, 1),
		resourceUpdates:  make(chan string, 64),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithRegistryPageSize sets the number of items returned per list page.
func WithRegistryPageSize(size int) RegistryOption {
	return func(r *Registry) {
		if size > 0 {
			r.pageSize = size
		}
	}
}

// AddTool registers or replaces a tool. A non-empty InputSchema is compiled once and every
// call is validated against it before handler runs.
func (r *Registry) AddTool(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	var schema *gojsonschema.Schema
	if len(bytes.TrimSpace(tool.InputSchema)) > 0 {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
		if err != nil {
			return fmt.Errorf("invalid input schema for tool %q: %w", tool.Name, err)
		}
	}

	r.mu.Lock()
	if _, ok := r.toolDefs[tool.Name]; !ok {
		r.tools = append(r.tools, tool.Name)
	}
	r.toolDefs[tool.Name] = registeredTool{tool: tool, schema: schema, handler: handler}
	r.mu.Unlock()

	signal(r.toolsChanged)
	return nil
}

// RemoveTool unregisters a tool.
func (r *Registry) RemoveTool(name string) {
	r.mu.Lock()
	_, ok := r.toolDefs[name]
	delete(r.toolDefs, name)
	r.tools = slices.DeleteFunc(r.tools, func(n string) bool { return n == name })
	r.mu.Unlock()

	if ok {
		signal(r.toolsChanged)
	}
}

// AddPrompt registers or replaces a prompt.
func (r *Registry) AddPrompt(prompt Prompt, handler PromptHandler) error {
	if prompt.Name == "" {
		return fmt.Errorf("prompt name is required")
	}

	r.mu.Lock()
	if _, ok := r.promptDef[prompt.Name]; !ok {
		r.prompts = append(r.prompts, prompt.Name)
	}
	r.promptDef[prompt.Name] = registeredPrompt{prompt: prompt, handler: handler}
	r.mu.Unlock()

	signal(r.promptsChanged)
	return nil
}

// RemovePrompt unregisters a prompt.
func (r *Registry) RemovePrompt(name string) {
	r.mu.Lock()
	_, ok := r.promptDef[name]
	delete(r.promptDef, name)
	r.prompts = slices.DeleteFunc(r.prompts, func(n string) bool { return n == name })
	r.mu.Unlock()

	if ok {
		signal(r.promptsChanged)
	}
}

// AddResource registers or replaces a static resource.
func (r *Registry) AddResource(resource Resource, reader ResourceReader) error {
	if resource.URI == "" {
		return fmt.Errorf("resource uri is required")
	}

	r.mu.Lock()
	if _, ok := r.resDefs[resource.URI]; !ok {
		r.resources = append(r.resources, resource.URI)
	}
	r.resDefs[resource.URI] = registeredResource{resource: resource, reader: reader}
	r.mu.Unlock()

	signal(r.resourcesChanged)
	return nil
}

// RemoveResource unregisters a static resource.
func (r *Registry) RemoveResource(uri string) {
	r.mu.Lock()
	_, ok := r.resDefs[uri]
	delete(r.resDefs, uri)
	r.resources = slices.DeleteFunc(r.resources, func(u string) bool { return u == uri })
	r.mu.Unlock()

	if ok {
		signal(r.resourcesChanged)
	}
}

// AddResourceTemplate registers a URI template. ReadResource falls back to the templates, in
// registration order, for URIs that are not static resources.
func (r *Registry) AddResourceTemplate(tmpl ResourceTemplate, reader TemplateReader) error {
	matcher, err := uritemplate.New(tmpl.URITemplate)
	if err != nil {
		return fmt.Errorf("invalid uri template %q: %w", tmpl.URITemplate, err)
	}

	r.mu.Lock()
	r.templates = slices.DeleteFunc(r.templates, func(t registeredTemplate) bool {
		return t.template.URITemplate == tmpl.URITemplate
	})
	r.templates = append(r.templates, registeredTemplate{template: tmpl, matcher: matcher, reader: reader})
	r.mu.Unlock()

	signal(r.resourcesChanged)
	return nil
}

// AddPromptCompletion registers suggestions for an argument of a prompt.
func (r *Registry) AddPromptCompletion(prompt, arg string, fn CompletionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completions[completionKey{CompletionRefPrompt, prompt, arg}] = fn
}

// AddTemplateCompletion registers suggestions for a variable of a resource template.
func (r *Registry) AddTemplateCompletion(uriTemplate, arg string, fn CompletionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completions[completionKey{CompletionRefResource, uriTemplate, arg}] = fn
}

// ResourceUpdated announces that the content of uri changed. Sessions subscribed to uri get
// a "notifications/resources/updated". Updates are dropped when nobody drains them.
func (r *Registry) ResourceUpdated(uri string) {
	select {
	case r.resourceUpdates <- uri:
	default:
	}
}

// ListTools implements ToolServer.
func (r *Registry) ListTools(
	_ context.Context,
	params ListToolsParams,
	_ ProgressReporter,
	_ RequestClientFunc,
) (ListToolsResult, error) {
	r.mu.RLock()
	tools := make([]Tool, 0, len(r.tools))
	for _, name := range r.tools {
		tools = append(tools, r.toolDefs[name].tool)
	}
	r.mu.RUnlock()

	page, next, err := paginate(tools, params.Cursor, r.pageSize)
	if err != nil {
		return ListToolsResult{}, err
	}
	return ListToolsResult{Tools: page, NextCursor: next}, nil
}

// CallTool implements ToolServer.
func (r *Registry) CallTool(
	ctx context.Context,
	params CallToolParams,
	progress ProgressReporter,
	requestClient RequestClientFunc,
) (CallToolResult, error) {
	def, args, err := r.checkToolCall(params)
	if err != nil {
		return CallToolResult{}, err
	}
	return def.handler(ctx, args, progress, requestClient)
}

// ValidateToolCall implements ToolCallValidator.
func (r *Registry) ValidateToolCall(_ context.Context, params CallToolParams) error {
	_, _, err := r.checkToolCall(params)
	return err
}

// checkToolCall resolves the tool and validates the arguments against its input schema.
// Absent arguments are validated as an empty object.
func (r *Registry) checkToolCall(params CallToolParams) (registeredTool, json.RawMessage, error) {
	r.mu.RLock()
	def, ok := r.toolDefs[params.Name]
	r.mu.RUnlock()
	if !ok {
		return registeredTool{}, nil, ErrToolNotFound
	}

	args := params.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	if def.schema == nil {
		return def, args, nil
	}
	res, err := def.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return registeredTool{}, nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return registeredTool{}, nil, fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return def, args, nil
}

// ListPrompts implements PromptServer.
func (r *Registry) ListPrompts(
	_ context.Context,
	params ListPromptsParams,
	_ ProgressReporter,
	_ RequestClientFunc,
) (ListPromptResult, error) {
	r.mu.RLock()
	prompts := make([]Prompt, 0, len(r.prompts))
	for _, name := range r.prompts {
		prompts = append(prompts, r.promptDef[name].prompt)
	}
	r.mu.RUnlock()

	page, next, err := paginate(prompts, params.Cursor, r.pageSize)
	if err != nil {
		return ListPromptResult{}, err
	}
	return ListPromptResult{Prompts: page, NextCursor: next}, nil
}

// GetPrompt implements PromptServer.
func (r *Registry) GetPrompt(
	ctx context.Context,
	params GetPromptParams,
	_ ProgressReporter,
	_ RequestClientFunc,
) (GetPromptResult, error) {
	r.mu.RLock()
	def, ok := r.promptDef[params.Name]
	r.mu.RUnlock()
	if !ok {
		return GetPromptResult{}, ErrPromptNotFound
	}

	for _, arg := range def.prompt.Arguments {
		if _, ok := params.Arguments[arg.Name]; arg.Required && !ok {
			return GetPromptResult{}, fmt.Errorf("%w: missing argument %q", ErrInvalidArguments, arg.Name)
		}
	}
	args := params.Arguments
	if args == nil {
		args = map[string]string{}
	}
	return def.handler(ctx, args)
}

// CompletesPrompt implements PromptServer.
func (r *Registry) CompletesPrompt(
	ctx context.Context,
	params CompletesCompletionParams,
	_ RequestClientFunc,
) (CompletionResult, error) {
	return r.complete(ctx, completionKey{CompletionRefPrompt, params.Ref.Name, params.Argument.Name},
		params.Argument.Value)
}

// ListResources implements ResourceServer.
func (r *Registry) ListResources(
	_ context.Context,
	params ListResourcesParams,
	_ ProgressReporter,
	_ RequestClientFunc,
) (ListResourcesResult, error) {
	r.mu.RLock()
	resources := make([]Resource, 0, len(r.resources))
	for _, uri := range r.resources {
		resources = append(resources, r.resDefs[uri].resource)
	}
	r.mu.RUnlock()

	page, next, err := paginate(resources, params.Cursor, r.pageSize)
	if err != nil {
		return ListResourcesResult{}, err
	}
	return ListResourcesResult{Resources: page, NextCursor: next}, nil
}

// ReadResource implements ResourceServer.
func (r *Registry) ReadResource(
	ctx context.Context,
	params ReadResourceParams,
	_ ProgressReporter,
	_ RequestClientFunc,
) (ReadResourceResult, error) {
	r.mu.RLock()
	def, ok := r.resDefs[params.URI]
	templates := slices.Clone(r.templates)
	r.mu.RUnlock()

	if ok {
		contents, err := def.reader(ctx, params.URI)
		if err != nil {
			return ReadResourceResult{}, err
		}
		return ReadResourceResult{Contents: contents}, nil
	}

	for _, tmpl := range templates {
		values := tmpl.matcher.Match(params.URI)
		if values == nil {
			continue
		}
		vars := make(map[string]string, len(values))
		for _, name := range tmpl.matcher.Varnames() {
			vars[name] = values.Get(name).String()
		}
		contents, err := tmpl.reader(ctx, params.URI, vars)
		if err != nil {
			return ReadResourceResult{}, err
		}
		return ReadResourceResult{Contents: contents}, nil
	}

	return ReadResourceResult{}, ErrResourceNotFound
}

// ListResourceTemplates implements ResourceServer.
func (r *Registry) ListResourceTemplates(
	_ context.Context,
	params ListResourceTemplatesParams,
	_ ProgressReporter,
	_ RequestClientFunc,
) (ListResourceTemplatesResult, error) {
	r.mu.RLock()
	templates := make([]ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		templates = append(templates, t.template)
	}
	r.mu.RUnlock()

	page, next, err := paginate(templates, params.Cursor, r.pageSize)
	if err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return ListResourceTemplatesResult{Templates: page, NextCursor: next}, nil
}

// CompletesResourceTemplate implements ResourceServer.
func (r *Registry) CompletesResourceTemplate(
	ctx context.Context,
	params CompletesCompletionParams,
	_ RequestClientFunc,
) (CompletionResult, error) {
	return r.complete(ctx, completionKey{CompletionRefResource, params.Ref.URI, params.Argument.Name},
		params.Argument.Value)
}

func (r *Registry) complete(ctx context.Context, key completionKey, value string) (CompletionResult, error) {
	r.mu.RLock()
	fn, ok := r.completions[key]
	r.mu.RUnlock()
	if !ok {
		return CompletionResult{Completion: CompletionValues{Values: []string{}}}, nil
	}

	values, err := fn(ctx, value)
	if err != nil {
		return CompletionResult{}, err
	}
	total := len(values)
	if total > maxCompletionValues {
		values = values[:maxCompletionValues]
	}
	return CompletionResult{Completion: CompletionValues{
		Values:  values,
		Total:   total,
		HasMore: total > len(values),
	}}, nil
}

// ToolListUpdates implements ToolListUpdater.
func (r *Registry) ToolListUpdates(ctx context.Context) iter.Seq[struct{}] {
	return signals(ctx, r.toolsChanged)
}

// PromptListUpdates implements PromptListUpdater.
func (r *Registry) PromptListUpdates(ctx context.Context) iter.Seq[struct{}] {
	return signals(ctx, r.promptsChanged)
}

// ResourceListUpdates implements ResourceListUpdater.
func (r *Registry) ResourceListUpdates(ctx context.Context) iter.Seq[struct{}] {
	return signals(ctx, r.resourcesChanged)
}

// SubscribedResourceUpdates implements ResourceSubscriptionHandler.
func (r *Registry) SubscribedResourceUpdates(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case uri := <-r.resourceUpdates:
				if !yield(uri) {
					return
				}
			}
		}
	}
}

// signal records a change without blocking; pending changes coalesce into one.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func signals(ctx context.Context, ch <-chan struct{}) iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// paginate returns the page of items starting at cursor. Cursors are opaque to clients and
// encode the offset of the next page.
func paginate[T any](items []T, cursor string, size int) ([]T, string, error) {
	offset := 0
	if cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return nil, "", invalidParams("Invalid cursor")
		}
		offset, err = cast.ToIntE(string(decoded))
		if err != nil || offset < 0 || offset > len(items) {
			return nil, "", invalidParams("Invalid cursor")
		}
	}
	if size <= 0 {
		size = len(items)
	}

	end := min(offset+size, len(items))
	next := ""
	if end < len(items) {
		next = base64.RawURLEncoding.EncodeToString([]byte(cast.ToString(end)))
	}
	return items[offset:end], next, nil
}
