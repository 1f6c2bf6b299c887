package hubctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/util"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/resultstore"
)

// App implements the operator commands that act on the orchestrator database directly.
type App struct {
	Requests repository.WorkRequestRepository
	Models   repository.ModelRepository
	Results  resultstore.ResultStore
	// Output for command results.
	Out io.Writer
}

type SubmitArgs struct {
	ModelId    string
	UserId     string
	SessionId  string
	Inputs     []string
	InputFile  string
	CacheOptIn bool
}

// RegisterModel creates or replaces the model described by a json or yaml file.
func (a *App) RegisterModel(ctx context.Context, fileName string) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return errors.WithStack(err)
	}
	var model domain.Model
	if err := yaml.UnmarshalStrict(data, &model); err != nil {
		return errors.Wrapf(err, "file %s is not a valid model", fileName)
	}
	if err := validateModel(&model); err != nil {
		return err
	}
	if err := a.Models.Upsert(ctx, &model); err != nil {
		return errors.WithMessagef(err, "error registering model %s", model.Id)
	}
	fmt.Fprintf(a.Out, "Registered model %s\n", model.Id)
	return nil
}

// SubmitRequest queues a work request with the inputs given inline followed by those read from the input file.
func (a *App) SubmitRequest(ctx context.Context, args SubmitArgs) (int64, error) {
	inputs := append([]string{}, args.Inputs...)
	if args.InputFile != "" {
		fromFile, err := readInputs(args.InputFile)
		if err != nil {
			return 0, err
		}
		inputs = append(inputs, fromFile...)
	}
	if _, err := a.Models.Get(ctx, args.ModelId); err != nil {
		return 0, err
	}
	request, err := a.Requests.Insert(ctx, &domain.WorkRequest{
		ModelId:        args.ModelId,
		UserId:         args.UserId,
		SessionId:      args.SessionId,
		RequestPayload: domain.RequestPayload{Entries: inputs},
		CacheOptIn:     args.CacheOptIn,
	})
	if err != nil {
		return 0, errors.WithMessage(err, "error submitting work request")
	}
	fmt.Fprintf(a.Out, "Submitted request %d for model %s with %d inputs\n", request.Id, request.ModelId, len(inputs))
	return request.Id, nil
}

// DescribeRequest prints the state of a work request.
func (a *App) DescribeRequest(ctx context.Context, id int64) error {
	request, err := a.Requests.GetById(ctx, id)
	if err != nil {
		return err
	}
	w := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	w.Writef("Id:\t%d\n", request.Id)
	w.Writef("Model:\t%s\n", request.ModelId)
	w.Writef("User:\t%s\n", request.UserId)
	w.Writef("Status:\t%s\n", request.RequestStatus)
	if request.RequestStatusReason != "" {
		w.Writef("Reason:\t%s\n", request.RequestStatusReason)
	}
	w.Writef("Inputs:\t%d\n", len(request.RequestPayload.Entries))
	if request.NonCachedInputs != nil {
		w.Writef("Computed inputs:\t%d\n", len(request.NonCachedInputs))
	}
	if request.ServerId != nil {
		w.Writef("Server:\t%s\n", *request.ServerId)
	}
	if request.ModelJobId != nil {
		w.Writef("Job:\t%s\n", *request.ModelJobId)
	}
	w.Writef("Requested:\t%s\n", request.RequestDate.Format(timeFormat))
	if request.ProcessedTimestamp != nil {
		w.Writef("Processed:\t%s\n", request.ProcessedTimestamp.Format(timeFormat))
	}
	fmt.Fprint(a.Out, w.String())
	return nil
}

// DownloadResults prints the results of a completed request as json, or as csv when asCsv is set.
func (a *App) DownloadResults(ctx context.Context, id int64, asCsv bool) error {
	request, err := a.Requests.GetById(ctx, id)
	if err != nil {
		return err
	}
	if request.RequestStatus != domain.Completed {
		return errors.WithStack(&huberrors.ErrInvalidArgument{
			Name:    "request_status",
			Value:   request.RequestStatus,
			Message: fmt.Sprintf("results of request %d are only available once it is %s", id, domain.Completed),
		})
	}
	payload, err := a.Results.Download(ctx, request.ModelId, request.Id)
	if err != nil {
		return err
	}
	var results []json.RawMessage
	if err := json.Unmarshal(payload, &results); err != nil {
		return errors.Wrapf(err, "stored result of request %d is malformed", id)
	}
	if asCsv {
		csv, err := domain.ResultsToCsv(results)
		if err != nil {
			return err
		}
		fmt.Fprint(a.Out, csv)
		return nil
	}
	pretty, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Fprintln(a.Out, string(pretty))
	return nil
}

const timeFormat = "2006-01-02 15:04:05 MST"

var executionModes = []domain.ExecutionMode{domain.ExecutionModeSync, domain.ExecutionModeAsync}

// readInputs returns the non-blank lines of a file.
func readInputs(fileName string) ([]string, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	var inputs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			inputs = append(inputs, line)
		}
	}
	return inputs, errors.WithStack(scanner.Err())
}

func validateModel(model *domain.Model) error {
	if model.Id == "" {
		return errors.WithStack(&huberrors.ErrInvalidArgument{Name: "id", Value: model.Id, Message: "must not be empty"})
	}
	if !slices.Contains(executionModes, model.Details.ExecutionMode) {
		return errors.WithStack(&huberrors.ErrInvalidArgument{
			Name:    "details.execution_mode",
			Value:   model.Details.ExecutionMode,
			Message: fmt.Sprintf("must be one of %v", executionModes),
		})
	}
	scaling := model.Details.Scaling
	if scaling.MinInstances < 0 {
		return errors.WithStack(&huberrors.ErrInvalidArgument{Name: "details.scaling.min_instances", Value: scaling.MinInstances, Message: "must not be negative"})
	}
	if scaling.MaxInstances != domain.UnlimitedInstances && scaling.MaxInstances < scaling.MinInstances {
		return errors.WithStack(&huberrors.ErrInvalidArgument{
			Name:    "details.scaling.max_instances",
			Value:   scaling.MaxInstances,
			Message: fmt.Sprintf("must be at least min_instances or %d", domain.UnlimitedInstances),
		})
	}
	return nil
}
