package docker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lorry-ci/lorry/internal/model"
)

// Label keys persist build metadata on containers. Labels are the only
// link between a container and the build that created it, which lets
// `lorry clean` find leftovers from crashed runs without any state
// file.
const (
	// LabelPrefix namespaces all lorry labels away from labels set by
	// other tools.
	LabelPrefix = "dev.lorry-ci."

	// LabelManagedBy identifies containers created by lorry. This is
	// the label every list filter keys on.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelBuildID stores the build UUID.
	LabelBuildID = LabelPrefix + "build-id"

	// LabelBuildNumber stores the sequential build number.
	LabelBuildNumber = LabelPrefix + "build-number"

	// LabelJobID stores the job UUID.
	LabelJobID = LabelPrefix + "job-id"

	// LabelJobNumber stores the dotted job number ("3.2").
	LabelJobNumber = LabelPrefix + "job-number"

	// LabelRepo stores the repository directory the build ran against.
	LabelRepo = LabelPrefix + "repo"

	// LabelCreatedAt stores the container creation time, RFC3339 UTC.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue marks containers created by this tool.
const ManagedByValue = "lorry"

// ContainerMeta is the build metadata reconstructed from container
// labels.
type ContainerMeta struct {
	BuildID     string
	BuildNumber int64
	JobID       string
	JobNumber   string
	RepoDir     string
	CreatedAt   time.Time
}

// JobLabels builds the label map applied to a job's container. The
// inverse is ParseLabels.
func JobLabels(build *model.Build, job *model.Job) map[string]string {
	return map[string]string{
		LabelManagedBy:   ManagedByValue,
		LabelBuildID:     build.ID,
		LabelBuildNumber: strconv.FormatInt(build.Number, 10),
		LabelJobID:       job.ID,
		LabelJobNumber:   job.Number,
		LabelRepo:        build.RepoDir,
		LabelCreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

// ParseLabels reconstructs container metadata from a label map. All
// lorry labels are required; missing ones are reported together so one
// inspect shows everything that is wrong.
func ParseLabels(labels map[string]string) (*ContainerMeta, error) {
	required := []string{
		LabelManagedBy,
		LabelBuildID,
		LabelBuildNumber,
		LabelJobID,
		LabelJobNumber,
		LabelRepo,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range required {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	buildNumber, err := strconv.ParseInt(labels[LabelBuildNumber], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelBuildNumber, err)
	}
	if err := model.ValidateJobNumber(labels[LabelJobNumber]); err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelJobNumber, err)
	}
	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return &ContainerMeta{
		BuildID:     labels[LabelBuildID],
		BuildNumber: buildNumber,
		JobID:       labels[LabelJobID],
		JobNumber:   labels[LabelJobNumber],
		RepoDir:     labels[LabelRepo],
		CreatedAt:   createdAt,
	}, nil
}
