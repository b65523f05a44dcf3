package aws

import (
	"archive/zip"
	"bytes"
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// handlerTemplates holds the starter function bodies deployed until the
// user uploads real code, keyed by purpose. Unknown purposes get the
// general template.
var handlerTemplates = map[string]string{
	"api_endpoint": `import json
from datetime import datetime

def lambda_handler(event, context):
    return {
        'statusCode': 200,
        'headers': {'Content-Type': 'application/json'},
        'body': json.dumps({
            'message': 'Hello from Lambda API!',
            'timestamp': str(datetime.now())
        })
    }
`,
	"general": `import json
from datetime import datetime

def lambda_handler(event, context):
    print(f"Received event: {json.dumps(event)}")
    return {
        'statusCode': 200,
        'body': json.dumps({
            'message': 'Function executed successfully!',
            'timestamp': str(datetime.now())
        })
    }
`,
}

func handlerCode(purpose string) string {
	if code, ok := handlerTemplates[purpose]; ok {
		return code
	}
	return handlerTemplates["general"]
}

func (p *Provider) createFunction(ctx context.Context, node *engine.PlanNode) (string, error) {
	name := resourceName(node)

	roleName := node.Config[engine.DepConfigPrefix+string(engine.ResourceIAMRole)]
	if roleName == "" {
		return "", engine.NewPermanentError("lambda function has no iam-role dependency", nil).
			WithCode(engine.ErrCodeValidation)
	}
	role, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: strPtr(roleName)})
	if err != nil {
		return "", classify(err)
	}

	memory, _ := strconv.Atoi(node.Config["memory_mb"])
	if memory == 0 {
		memory = 512
	}
	timeout, _ := strconv.Atoi(node.Config["timeout_s"])
	if timeout == 0 {
		timeout = 60
	}

	code, err := handlerZip(node.Spec.Purpose)
	if err != nil {
		return "", engine.NewPermanentError("build starter package", err).
			WithCode(engine.ErrCodeInternal)
	}

	out, err := p.lambdaClient.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: strPtr(name),
		Role:         role.Role.Arn,
		Runtime:      types.Runtime(node.Config["runtime"]),
		Handler:      strPtr(node.Config["handler"]),
		MemorySize:   i32Ptr(int32(memory)),
		Timeout:      i32Ptr(int32(timeout)),
		Code:         &types.FunctionCode{ZipFile: code},
		Tags:         standardTags(node),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return name, nil
		}
		return "", classify(err)
	}
	return deref(out.FunctionName), nil
}

func (p *Provider) findFunction(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	name := resourceName(node)
	out, err := p.lambdaClient.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: strPtr(name),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, classify(err)
	}
	return deref(out.Configuration.FunctionName), true, nil
}

func (p *Provider) deleteFunction(ctx context.Context, rec *engine.ExecutionRecord) error {
	_, err := p.lambdaClient.DeleteFunction(ctx, &lambda.DeleteFunctionInput{
		FunctionName: strPtr(rec.ProviderID),
	})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

// handlerZip packages the starter handler for a purpose as a deployment
// archive.
func handlerZip(purpose string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("lambda_function.py")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write([]byte(handlerCode(purpose))); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
