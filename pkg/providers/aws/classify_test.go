package aws

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "test"}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class engine.ErrorClass
		code  string
	}{
		{"throttling", apiError("Throttling"), engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"request limit", apiError("RequestLimitExceeded"), engine.ErrorClassThrottled, engine.ErrCodeRateLimited},
		{"timeout", apiError("RequestTimeout"), engine.ErrorClassTransient, engine.ErrCodeTimeout},
		{"unavailable", apiError("ServiceUnavailable"), engine.ErrorClassTransient, engine.ErrCodeExecutionFailed},
		{"access denied", apiError("AccessDeniedException"), engine.ErrorClassPermanent, engine.ErrCodePermissionDenied},
		{"unauthorized", apiError("UnauthorizedOperation"), engine.ErrorClassPermanent, engine.ErrCodePermissionDenied},
		{"quota", apiError("InstanceLimitExceeded"), engine.ErrorClassPermanent, engine.ErrCodeQuotaExceeded},
		{"not found", apiError("InvalidInstanceID.NotFound"), engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"no such entity", apiError("NoSuchEntity"), engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{"unknown code", apiError("SomethingWeird"), engine.ErrorClassPermanent, engine.ErrCodeExecutionFailed},
		{"plain error", errors.New("connection reset"), engine.ErrorClassTransient, engine.ErrCodeExecutionFailed},
		{"deadline", context.DeadlineExceeded, engine.ErrorClassTransient, engine.ErrCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if got.Class != tt.class {
				t.Errorf("class = %s, want %s", got.Class, tt.class)
			}
			if got.Code != tt.code {
				t.Errorf("code = %s, want %s", got.Code, tt.code)
			}
		})
	}
}

func TestClassifyPassesThroughEngineErrors(t *testing.T) {
	orig := engine.NewThrottledError("already classified", nil).WithCode(engine.ErrCodeRateLimited)
	if got := classify(orig); got != orig {
		t.Errorf("classify rewrapped an already classified error: %v", got)
	}
}

func TestIsAlreadyExists(t *testing.T) {
	if !isAlreadyExists(apiError("EntityAlreadyExists")) {
		t.Error("EntityAlreadyExists should count as already-exists")
	}
	if !isAlreadyExists(apiError("BucketAlreadyOwnedByYou")) {
		t.Error("BucketAlreadyOwnedByYou should count as already-exists")
	}
	if isAlreadyExists(apiError("AccessDenied")) {
		t.Error("AccessDenied should not count as already-exists")
	}
	if isAlreadyExists(errors.New("boom")) {
		t.Error("plain errors should not count as already-exists")
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(apiError("InvalidGroup.NotFound")) {
		t.Error("InvalidGroup.NotFound should count as not-found")
	}
	if !isNotFound(apiError("DBSubnetGroupNotFoundFault")) {
		t.Error("DBSubnetGroupNotFoundFault should count as not-found")
	}
	if isNotFound(apiError("Throttling")) {
		t.Error("Throttling should not count as not-found")
	}
}

func TestResourceName(t *testing.T) {
	node := &engine.PlanNode{
		Spec:           engine.ResourceSpec{Type: engine.ResourceS3Bucket, Purpose: "general"},
		Config:         map[string]string{},
		IdempotencyKey: "abcdef0123456789",
	}
	if got := resourceName(node); got != "nimbus-s3-bucket-abcdef0123456789" {
		t.Errorf("resourceName = %s", got)
	}

	node.Config["name"] = "my-bucket"
	if got := resourceName(node); got != "my-bucket" {
		t.Errorf("resourceName with explicit name = %s", got)
	}
}

func TestStandardTags(t *testing.T) {
	node := &engine.PlanNode{
		Spec:           engine.ResourceSpec{Type: engine.ResourceEC2Instance, Purpose: "web_server"},
		IdempotencyKey: "abc123",
	}
	tags := standardTags(node)
	if tags[TagCreatedBy] != TagCreatedByValue {
		t.Errorf("CreatedBy tag = %s", tags[TagCreatedBy])
	}
	if tags[TagIdempotencyKey] != "abc123" {
		t.Errorf("idempotency tag = %s", tags[TagIdempotencyKey])
	}
	if tags[TagPurpose] != "web_server" {
		t.Errorf("purpose tag = %s", tags[TagPurpose])
	}
}

func TestTrustPolicy(t *testing.T) {
	var doc struct {
		Version   string
		Statement []struct {
			Effect    string
			Principal map[string]string
			Action    string
		}
	}
	if err := json.Unmarshal([]byte(trustPolicy("lambda.amazonaws.com")), &doc); err != nil {
		t.Fatalf("trust policy is not valid JSON: %v", err)
	}
	if len(doc.Statement) != 1 {
		t.Fatalf("statement count = %d, want 1", len(doc.Statement))
	}
	if doc.Statement[0].Principal["Service"] != "lambda.amazonaws.com" {
		t.Errorf("principal = %v", doc.Statement[0].Principal)
	}
	if doc.Statement[0].Action != "sts:AssumeRole" {
		t.Errorf("action = %s", doc.Statement[0].Action)
	}
}

func TestIngressPermissions(t *testing.T) {
	perms, err := ingressPermissions("80, 443,22")
	if err != nil {
		t.Fatalf("ingressPermissions error = %v", err)
	}
	if len(perms) != 3 {
		t.Fatalf("permission count = %d, want 3", len(perms))
	}
	if *perms[0].FromPort != 80 || *perms[0].ToPort != 80 {
		t.Errorf("first rule ports = %d-%d, want 80-80", *perms[0].FromPort, *perms[0].ToPort)
	}

	if _, err := ingressPermissions("http"); err == nil {
		t.Error("non-numeric port should fail")
	}

	perms, err = ingressPermissions("")
	if err != nil || perms != nil {
		t.Errorf("empty port list = (%v, %v), want (nil, nil)", perms, err)
	}
}

func TestHandlerZip(t *testing.T) {
	data, err := handlerZip("general")
	if err != nil {
		t.Fatalf("handlerZip error = %v", err)
	}
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("starter package is not a zip: %v", err)
	}
	if len(r.File) != 1 || r.File[0].Name != "lambda_function.py" {
		t.Errorf("package contents = %v", r.File)
	}
}

func TestHandlerCodeByPurpose(t *testing.T) {
	api := handlerCode("api_endpoint")
	if !strings.Contains(api, "Hello from Lambda API!") || !strings.Contains(api, "Content-Type") {
		t.Errorf("api_endpoint template = %q, want JSON API response", api)
	}
	gen := handlerCode("general")
	if !strings.Contains(gen, "Function executed successfully!") {
		t.Errorf("general template = %q, want general response", gen)
	}
	if api == gen {
		t.Error("api_endpoint and general templates should differ")
	}
	if handlerCode("data_processing") != gen {
		t.Error("unknown purpose should fall back to the general template")
	}
}
