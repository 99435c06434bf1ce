package everything

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	mcp "github.com/MegaGrindStone/go-mcp-server"
)

const (
	pageSize      = 10
	resourceCount = 20

	staticResourcePrefix = "test://static/resource/"
	staticResourceTmpl   = staticResourcePrefix + "{id}"
)

func staticResourceURI(id int) string {
	return fmt.Sprintf("%s%d", staticResourcePrefix, id)
}

// staticResource returns resource id, 1-based. Odd ids are plain text, even ids are blobs.
func staticResource(id int) (mcp.Resource, mcp.ResourceContents) {
	uri := staticResourceURI(id)
	resource := mcp.Resource{
		URI:      uri,
		Name:     fmt.Sprintf("Resource %d", id),
		MimeType: "text/plain",
	}
	contents := mcp.ResourceContents{
		URI:      uri,
		MimeType: "text/plain",
		Text:     fmt.Sprintf("Resource %d: This is a plain text resource", id),
	}
	if id%2 == 1 {
		return resource, contents
	}

	resource.MimeType = "application/octet-stream"
	contents.MimeType = "application/octet-stream"
	contents.Text = ""
	contents.Blob = base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("Resource %d: This is a base64 blob", id)))
	return resource, contents
}

func (s *Server) registerResources() error {
	ids := make([]string, 0, resourceCount)
	for id := 1; id <= resourceCount; id++ {
		resource, contents := staticResource(id)
		err := s.registry.AddResource(resource, func(context.Context, string) ([]mcp.ResourceContents, error) {
			s.log(mcp.LogLevelDebug, fmt.Sprintf("read %s", contents.URI))
			return []mcp.ResourceContents{contents}, nil
		})
		if err != nil {
			return err
		}
		ids = append(ids, strconv.Itoa(id))
	}

	err := s.registry.AddResourceTemplate(mcp.ResourceTemplate{
		URITemplate: staticResourceTmpl,
		Name:        "Static Resource",
		Description: "A static resource with a numeric ID",
	}, s.readTemplatedResource)
	if err != nil {
		return err
	}
	s.registry.AddTemplateCompletion(staticResourceTmpl, "id", completeFrom(ids))
	return nil
}

// readTemplatedResource serves template matches that are not registered as static resources,
// such as ids past resourceCount.
func (s *Server) readTemplatedResource(
	_ context.Context,
	uri string,
	vars map[string]string,
) ([]mcp.ResourceContents, error) {
	id, err := strconv.Atoi(vars["id"])
	if err != nil || id < 1 {
		return nil, fmt.Errorf("%w: %s", mcp.ErrResourceNotFound, uri)
	}
	s.log(mcp.LogLevelDebug, fmt.Sprintf("read templated %s", uri))

	_, contents := staticResource(id)
	return []mcp.ResourceContents{contents}, nil
}
