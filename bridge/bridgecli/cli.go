package bridgecli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/clinsight/fhir-bridge/bridge/auth"
	"github.com/clinsight/fhir-bridge/bridge/client"
	"github.com/clinsight/fhir-bridge/bridge/codes"
	"github.com/clinsight/fhir-bridge/bridge/constants"
	"github.com/clinsight/fhir-bridge/bridge/monitoring"
	"github.com/clinsight/fhir-bridge/bridge/service"
)

// App Name and usage.  Edit them here to prevent breaking tests
const Name = "fhir-bridge"
const Usage = "Clinical data integration bridge CLI"

func GetApp() *cli.App {
	return setUpApp()
}

func setUpApp() *cli.App {
	app := cli.NewApp()
	app.Name = Name
	app.Usage = Usage
	app.Version = constants.Version
	var patientID, code, identifier, from, to, codeTableFile string
	var latest bool
	app.Commands = []cli.Command{
		{
			Name:     "fetch-vitals",
			Category: "Clinical data",
			Usage:    "Fetch a patient's vital signs",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "patient-id",
					Usage:       "Upstream patient resource ID",
					Destination: &patientID,
				},
				cli.StringFlag{
					Name:        "from",
					Usage:       "Start of the date range (RFC 3339 or YYYY-MM-DD)",
					Destination: &from,
				},
				cli.StringFlag{
					Name:        "to",
					Usage:       "End of the date range (RFC 3339 or YYYY-MM-DD)",
					Destination: &to,
				},
				cli.BoolFlag{
					Name:        "latest",
					Usage:       "Fetch only the most recent value per vital sign",
					Destination: &latest,
				},
			},
			Action: func(c *cli.Context) error {
				return withService(c, "fetch-vitals", func(ctx context.Context, svc service.Service) (interface{}, error) {
					if latest {
						return svc.FetchLatestVitals(ctx, patientID)
					}
					fromT, toT, err := parseRange(from, to)
					if err != nil {
						return nil, err
					}
					return svc.FetchVitals(ctx, patientID, fromT, toT)
				})
			},
		},
		{
			Name:     "fetch-labs",
			Category: "Clinical data",
			Usage:    "Fetch a patient's laboratory results",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "patient-id",
					Usage:       "Upstream patient resource ID",
					Destination: &patientID,
				},
				cli.StringFlag{
					Name:        "code",
					Usage:       "Restrict to one lab group label or code",
					Destination: &code,
				},
				cli.StringFlag{
					Name:        "from",
					Usage:       "Start of the date range (RFC 3339 or YYYY-MM-DD)",
					Destination: &from,
				},
				cli.StringFlag{
					Name:        "to",
					Usage:       "End of the date range (RFC 3339 or YYYY-MM-DD)",
					Destination: &to,
				},
			},
			Action: func(c *cli.Context) error {
				return withService(c, "fetch-labs", func(ctx context.Context, svc service.Service) (interface{}, error) {
					fromT, toT, err := parseRange(from, to)
					if err != nil {
						return nil, err
					}
					return svc.FetchLabs(ctx, patientID, code, fromT, toT)
				})
			},
		},
		{
			Name:     "fetch-critical-labs",
			Category: "Clinical data",
			Usage:    "Fetch the last 72 hours of a patient's critical labs",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "patient-id",
					Usage:       "Upstream patient resource ID",
					Destination: &patientID,
				},
			},
			Action: func(c *cli.Context) error {
				return withService(c, "fetch-critical-labs", func(ctx context.Context, svc service.Service) (interface{}, error) {
					return svc.FetchCriticalLabs(ctx, patientID)
				})
			},
		},
		{
			Name:     "fetch-patient",
			Category: "Clinical data",
			Usage:    "Look a patient up by resource ID or business identifier",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "patient-id",
					Usage:       "Upstream patient resource ID",
					Destination: &patientID,
				},
				cli.StringFlag{
					Name:        "identifier",
					Usage:       "Business identifier (e.g. MRN), used when no patient ID is given",
					Destination: &identifier,
				},
			},
			Action: func(c *cli.Context) error {
				return withService(c, "fetch-patient", func(ctx context.Context, svc service.Service) (interface{}, error) {
					if patientID != "" {
						return svc.FetchPatient(ctx, patientID)
					}
					if identifier != "" {
						return svc.MatchPatient(ctx, identifier)
					}
					return nil, errors.New("one of --patient-id or --identifier is required")
				})
			},
		},
		{
			Name:     "check-token",
			Category: "Authentication tools",
			Usage:    "Verify credentials by requesting an access token",
			Action: func(c *cli.Context) error {
				cred, err := auth.LoadCredential()
				if err != nil {
					return err
				}
				tm := auth.NewTokenManager(cred)
				header, err := tm.AuthHeader(context.Background())
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s\n", header.Get("Authorization"))
				return nil
			},
		},
		{
			Name:     "check-server",
			Category: "Configuration tools",
			Usage:    "Fetch the upstream server's capability statement",
			Action: func(c *cli.Context) error {
				cred, err := auth.LoadCredential()
				if err != nil {
					return err
				}
				api, err := client.NewCDSClient(auth.NewTokenManager(cred))
				if err != nil {
					return err
				}
				body, err := api.GetMetadata(context.Background())
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s\n", body)
				return nil
			},
		},
		{
			Name:     "load-code-tables",
			Category: "Configuration tools",
			Usage:    "Validate a code table override file",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "file",
					Usage:       "Path to the YAML code table file",
					Destination: &codeTableFile,
				},
			},
			Action: func(c *cli.Context) error {
				if err := codes.LoadOverrides(codeTableFile); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "Loaded code tables from %s\n", codeTableFile)
				return nil
			},
		},
	}
	return app
}

// withService wires credentials, token manager, client and service together,
// runs the action inside a monitoring transaction, and prints the result as
// JSON.
func withService(c *cli.Context, name string, fn func(ctx context.Context, svc service.Service) (interface{}, error)) error {
	cred, err := auth.LoadCredential()
	if err != nil {
		return err
	}
	api, err := client.NewCDSClient(auth.NewTokenManager(cred))
	if err != nil {
		return err
	}
	svc := service.New(api)

	m := monitoring.GetMonitor()
	txn := m.Start(name)
	defer m.End(txn)

	result, err := fn(monitoring.NewContext(context.Background(), txn), svc)
	if err != nil {
		monitoring.NoticeError(txn, err)
		log.Error(err)
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\n", out)
	return nil
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	fromT, err := parseDate(from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	toT, err := parseDate(to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return fromT, toT, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("could not parse date %s", s)
}
