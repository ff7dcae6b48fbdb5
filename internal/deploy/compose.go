package deploy

import (
	"context"
	"fmt"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
)

const composeSpecFilename = "compose.yaml"

// ValidateCompose parses an inline compose file and returns its service names
// in sorted order. The project is named after the deployment slug.
func ValidateCompose(ctx context.Context, data []byte, name string) ([]string, error) {
	details := compose.ConfigDetails{
		WorkingDir: AppsRoot,
		ConfigFiles: []compose.ConfigFile{
			{Filename: composeSpecFilename, Content: data},
		},
		Environment: map[string]string{},
	}

	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SetProjectName(name, true)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: parse compose file: %v", ErrInvalidDescriptor, err)
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("%w: compose file has no services", ErrInvalidDescriptor)
	}

	services := make([]string, 0, len(project.Services))
	for name := range project.Services {
		services = append(services, name)
	}
	sort.Strings(services)
	return services, nil
}
