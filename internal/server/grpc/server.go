// Package grpcserver exposes the credential-read contract to integration connectors.
package grpcserver

import (
	"context"

	"github.com/and161185/keyward/internal/model"
	"github.com/and161185/keyward/internal/service"
	"github.com/and161185/keyward/internal/vault"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName         = "keyward.vault.v1.CredentialReader"
	GetSecretsMethod    = "/" + ServiceName + "/GetSecrets"
	CheckRequiredMethod = "/" + ServiceName + "/CheckRequired"

	permReadIntegrations = "read:integrations"
)

// CredentialSource is the read side of the Vault.
type CredentialSource interface {
	GetAllSecrets(tenantID string) vault.Bundle
	CheckRequired(tenantID string, keys []string) vault.Requirement
}

// CredentialReaderServer is the service implemented by Server.
type CredentialReaderServer interface {
	GetSecrets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CheckRequired(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes CredentialReader. Messages are google.protobuf.Struct:
//
//	GetSecrets    {tenant_id, keys[]} -> {tenant_id, secrets{}}
//	CheckRequired {tenant_id, keys[]} -> {tenant_id, valid, missing[]}
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CredentialReaderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSecrets", Handler: getSecretsHandler},
		{MethodName: "CheckRequired", Handler: checkRequiredHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "keyward/vault/v1/credentials.proto",
}

func getSecretsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CredentialReaderServer).GetSecrets(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSecretsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CredentialReaderServer).GetSecrets(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func checkRequiredHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CredentialReaderServer).CheckRequired(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckRequiredMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CredentialReaderServer).CheckRequired(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server serves tenant credentials to authenticated callers.
type Server struct {
	creds CredentialSource
	log   *zap.Logger
}

// New constructs a Server.
func New(creds CredentialSource, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{creds: creds, log: log}
}

// Register attaches s to gs.
func Register(gs grpc.ServiceRegistrar, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// resolveTenant binds the request to the caller's tenant unless the caller holds admin:system.
func resolveTenant(ctx context.Context, requested string) (string, error) {
	id, ok := IdentityFromCtx(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "no auth")
	}
	admin := hasPerm(id, service.PermAdminSystem)
	if !admin && !hasPerm(id, permReadIntegrations) {
		return "", status.Error(codes.PermissionDenied, "missing permission")
	}
	switch {
	case requested == "" && id.TenantID == "":
		return "", status.Error(codes.InvalidArgument, "tenant_id is required")
	case requested == "":
		return id.TenantID, nil
	case requested != id.TenantID && !admin:
		return "", status.Error(codes.PermissionDenied, "tenant mismatch")
	}
	return requested, nil
}

func hasPerm(id model.Identity, perm string) bool {
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

func stringList(req *structpb.Struct, field string) []string {
	vals := req.GetFields()[field].GetListValue().GetValues()
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GetSecrets returns the tenant bundle, narrowed to keys when given.
func (s *Server) GetSecrets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := resolveTenant(ctx, req.GetFields()["tenant_id"].GetStringValue())
	if err != nil {
		return nil, err
	}
	bundle := s.creds.GetAllSecrets(tenant)
	keys := stringList(req, "keys")

	secrets := make(map[string]any, len(bundle))
	if len(keys) == 0 {
		for k, v := range bundle {
			secrets[k] = v
		}
	} else {
		for _, k := range keys {
			if v, ok := bundle[k]; ok {
				secrets[k] = v
			}
		}
	}
	resp, err := structpb.NewStruct(map[string]any{"tenant_id": tenant, "secrets": secrets})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	id, _ := IdentityFromCtx(ctx)
	s.log.Info("secrets read", zap.String("tenant", tenant), zap.String("user", id.ID), zap.Int("keys", len(secrets)))
	return resp, nil
}

// CheckRequired reports which of keys are missing or empty for the tenant.
func (s *Server) CheckRequired(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := resolveTenant(ctx, req.GetFields()["tenant_id"].GetStringValue())
	if err != nil {
		return nil, err
	}
	keys := stringList(req, "keys")
	if len(keys) == 0 {
		return nil, status.Error(codes.InvalidArgument, "keys are required")
	}
	res := s.creds.CheckRequired(tenant, keys)
	missing := make([]any, 0, len(res.Missing))
	for _, k := range res.Missing {
		missing = append(missing, k)
	}
	resp, err := structpb.NewStruct(map[string]any{"tenant_id": tenant, "valid": res.Valid, "missing": missing})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return resp, nil
}

// Client calls CredentialReader over conn.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func keysValue(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

// GetSecrets fetches secrets for tenantID; an empty tenantID means the caller's own tenant.
func (c *Client) GetSecrets(ctx context.Context, tenantID string, keys ...string) (vault.Bundle, error) {
	req, err := structpb.NewStruct(map[string]any{"tenant_id": tenantID, "keys": keysValue(keys)})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetSecretsMethod, req, resp); err != nil {
		return nil, err
	}
	out := vault.Bundle{}
	for k, v := range resp.GetFields()["secrets"].GetStructValue().GetFields() {
		out[k] = v.GetStringValue()
	}
	return out, nil
}

// CheckRequired asks whether every key is present for tenantID.
func (c *Client) CheckRequired(ctx context.Context, tenantID string, keys ...string) (vault.Requirement, error) {
	req, err := structpb.NewStruct(map[string]any{"tenant_id": tenantID, "keys": keysValue(keys)})
	if err != nil {
		return vault.Requirement{}, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CheckRequiredMethod, req, resp); err != nil {
		return vault.Requirement{}, err
	}
	return vault.Requirement{Valid: resp.GetFields()["valid"].GetBoolValue(), Missing: stringList(resp, "missing")}, nil
}
