package invocation

import (
	"context"
	"time"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// ReadResource resolves a resource by uri and returns its content. Local resources are served
// from the catalog, federated ones are read from the owning peer.
func (s *Service) ReadResource(ctx context.Context, uri string, principal *auth.Principal, rc RequestContext) (result *protocol.ReadResourceResult, err error) {
	start := time.Now()
	resource, err := s.store.FindActiveResource(ctx, uri, rc.ServerID)
	if err != nil {
		metrics.Invocations.WithLabelValues("resource", "not_found").Inc()
		return nil, err
	}
	defer func() {
		outcome := outcomeOf(ctx, err)
		metrics.Invocations.WithLabelValues("resource", string(outcome)).Inc()
		metrics.InvocationDuration.WithLabelValues("resource").Observe(time.Since(start).Seconds())
		s.sink.Publish(events.New(events.ResourceRead, map[string]interface{}{
			"resourceId": resource.ID.String(),
			"uri":        resource.URI,
			"principal":  subjectOf(principal),
			"serverId":   rc.serverID(),
			"outcome":    string(outcome),
		}))
	}()

	snap := s.hooks.Snapshot()
	defer snap.Release()
	gctx := hooks.NewGlobalContext(rc.requestID(), subjectOf(principal), rc.serverID())
	tags := models.Tags(resource.Tags)

	pre, err := snap.RunChain(ctx, hooks.ResourcePreFetch, &hooks.Payload{
		Name:      resource.Name,
		URI:       resource.URI,
		Tags:      tags,
		Principal: subjectOf(principal),
	}, gctx)
	if err != nil {
		return nil, boundaryError(ctx, err, "resource "+resource.URI)
	}

	result, err = s.fetchResource(ctx, resource, pre.URI)
	if err != nil {
		return nil, boundaryError(ctx, err, "resource "+resource.URI)
	}

	post, err := snap.RunChain(ctx, hooks.ResourcePostFetch, &hooks.Payload{
		Name:      resource.Name,
		URI:       pre.URI,
		Result:    result,
		Tags:      tags,
		Principal: subjectOf(principal),
	}, gctx)
	if err != nil {
		return nil, boundaryError(ctx, err, "resource "+resource.URI)
	}
	if rewritten, ok := post.Result.(*protocol.ReadResourceResult); ok && rewritten != nil {
		result = rewritten
	}
	return result, nil
}

// fetchResource reads the content. A pre hook may have rewritten the uri, which only
// affects the uri reported for local content and the uri requested from a peer.
func (s *Service) fetchResource(ctx context.Context, resource *models.Resource, uri string) (*protocol.ReadResourceResult, error) {
	if !resource.IsFederated() {
		if uri == "" {
			uri = resource.URI
		}
		return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{{
			URI:      uri,
			MimeType: resource.MimeType,
			Text:     resource.Content,
		}}}, nil
	}

	gw, err := s.gatewayOf(ctx, resource.GatewayID)
	if err != nil {
		return nil, err
	}
	remote := resource.RemoteURI()
	if uri != "" && uri != resource.URI {
		remote = uri
	}
	result, err := s.peers.ReadResource(ctx, gw, remote)
	if err != nil {
		return nil, boundaryError(ctx, err, "gateway "+gw.Name)
	}
	// peers report their own uri, clients only know the local one
	for i := range result.Contents {
		if result.Contents[i].URI == remote {
			result.Contents[i].URI = resource.URI
		}
	}
	return result, nil
}
