package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"

	"shieldpool/pool-node/config"
	"shieldpool/pool-node/logging"
	"shieldpool/pool-node/pool"
	"shieldpool/pool-node/server"
	"shieldpool/pool-node/store"

	gnarkLogger "github.com/consensys/gnark/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	runCli()
}

func runCli() {
	gnarkLogger.Set(*logging.Logger())
	app := cli.App{
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "setup",
				Usage: "Run the Groth16 trusted setup for the withdrawal circuit",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Usage: "Output file for the full proving system", Required: true},
					&cli.StringFlag{Name: "output-vkey", Usage: "Output file for the verifying key only", Required: true},
					&cli.UintFlag{Name: "tree-depth", Usage: "Merkle tree depth", Value: 20},
				},
				Action: func(context *cli.Context) error {
					depth := uint32(context.Uint("tree-depth"))
					if depth == 0 || depth > 32 {
						return fmt.Errorf("tree depth must be in [1, 32], got %d", depth)
					}
					logging.Logger().Info().Uint32("treeDepth", depth).Msg("Running setup")
					system, err := pool.Setup(depth)
					if err != nil {
						return err
					}
					err = pool.WriteProvingSystem(system, context.String("output"), context.String("output-vkey"))
					if err != nil {
						return err
					}
					logging.Logger().Info().Msg("Setup completed successfully")
					return nil
				},
			},
			{
				Name:  "start",
				Usage: "Start the pool node",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Usage: "Config file (TOML)", Required: false},
					&cli.StringFlag{Name: "keys-file", Usage: "Verifying key file (overrides config)", Required: false},
					&cli.StringFlag{Name: "listen-address", Usage: "Address for the pool API server", Required: false},
					&cli.StringFlag{Name: "metrics-address", Usage: "Address for the metrics server", Required: false},
					&cli.StringFlag{Name: "redis-url", Usage: "Redis URL for persistence (e.g., redis://localhost:6379)", Required: false},
					&cli.BoolFlag{Name: "json-logging", Usage: "Enable JSON logging", Required: false},
				},
				Action: func(context *cli.Context) error {
					cfg := config.Default()
					if context.IsSet("config") {
						var err error
						cfg, err = config.ReadConfig(context.String("config"))
						if err != nil {
							return err
						}
					}
					if context.IsSet("keys-file") {
						cfg.VerifyingKeyPath = context.String("keys-file")
					}
					if context.IsSet("listen-address") {
						cfg.ListenAddress = context.String("listen-address")
					}
					if context.IsSet("metrics-address") {
						cfg.MetricsAddress = context.String("metrics-address")
					}
					if context.IsSet("redis-url") {
						cfg.RedisURL = context.String("redis-url")
					}
					if cfg.RedisURL == "" {
						cfg.RedisURL = os.Getenv("REDIS_URL")
					}
					if context.Bool("json-logging") || cfg.JSONLogging {
						logging.SetJSONOutput()
					}
					if cfg.LogLevel != "" {
						logging.SetLevel(cfg.LogLevel)
					}
					if err := cfg.Validate(); err != nil {
						return err
					}
					if cfg.VerifyingKeyPath == "" {
						return fmt.Errorf("a verifying key is required; set verifying_key_path or pass --keys-file")
					}

					verifier, err := pool.ReadVerifierFromFile(cfg.VerifyingKeyPath)
					if err != nil {
						return fmt.Errorf("failed to read verifying key: %w", err)
					}

					var st store.Store
					if cfg.RedisURL != "" {
						st, err = store.NewRedisStore(cfg.RedisURL, cfg.RootHistorySize)
						if err != nil {
							return fmt.Errorf("failed to connect to Redis: %w", err)
						}
					} else {
						logging.Logger().Warn().Msg("No Redis URL configured, ledger state is in-memory only")
						st = store.NewMemoryStore()
					}

					ledger, err := pool.LoadLedger(cfg.TreeDepth, cfg.RootHistorySize, verifier, st, nil)
					if err != nil {
						return fmt.Errorf("failed to load ledger: %w", err)
					}

					logging.Logger().Info().
						Uint32("tree_depth", cfg.TreeDepth).
						Int("root_history", cfg.RootHistorySize).
						Uint64("leaves", ledger.LeafCount()).
						Msg("Starting pool node")

					serverCfg := server.Config{
						ListenAddress:   cfg.ListenAddress,
						MetricsAddress:  cfg.MetricsAddress,
						APIKey:          cfg.APIKey,
						GateDeposits:    cfg.GateDeposits,
						GateWithdrawals: cfg.GateWithdrawals,
						Eligibility:     &cfg,
					}
					instance := server.Run(&serverCfg, ledger)

					sigint := make(chan os.Signal, 1)
					signal.Notify(sigint, os.Interrupt)
					<-sigint
					logging.Logger().Info().Msg("Received sigint, shutting down")
					instance.RequestStop()
					instance.AwaitStop()
					if err := st.Close(); err != nil {
						logging.Logger().Error().Err(err).Msg("error closing store")
					}
					return nil
				},
			},
			{
				Name:  "prove",
				Usage: "Generate a withdrawal proof from a witness file (client side)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "keys-file", Usage: "Proving system file from setup", Required: true},
					&cli.StringFlag{Name: "witness", Usage: "Witness file (JSON)", Required: true},
					&cli.StringFlag{Name: "output", Usage: "Output file; stdout when omitted", Required: false},
				},
				Action: func(context *cli.Context) error {
					system, err := pool.ReadSystemFromFile(context.String("keys-file"))
					if err != nil {
						return err
					}
					witnessData, err := os.ReadFile(context.String("witness"))
					if err != nil {
						return err
					}
					witness, inputs, err := parseWitnessFile(witnessData, system.TreeDepth)
					if err != nil {
						return err
					}
					proof, err := system.ProveWithdrawal(witness, inputs)
					if err != nil {
						return err
					}
					out, err := json.MarshalIndent(map[string]interface{}{
						"proof":        proof,
						"publicInputs": inputs,
					}, "", "  ")
					if err != nil {
						return err
					}
					if path := context.String("output"); path != "" {
						return os.WriteFile(path, append(out, '\n'), 0o644)
					}
					fmt.Println(string(out))
					return nil
				},
			},
			{
				Name:  "new-note",
				Usage: "Generate a fresh note and spending key",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "amount", Usage: "Note amount", Required: true},
					&cli.StringFlag{Name: "owner-pk", Usage: "Recipient public key; a fresh spending key is generated when omitted", Required: false},
				},
				Action: func(context *cli.Context) error {
					out := map[string]interface{}{}
					var ownerPk *big.Int
					if hex := context.String("owner-pk"); hex != "" {
						ownerPk = new(big.Int)
						if err := pool.FromHex(ownerPk, hex); err != nil {
							return err
						}
					} else {
						sk, err := pool.NewSpendingKey()
						if err != nil {
							return err
						}
						ownerPk, err = pool.DeriveOwnerPk(sk)
						if err != nil {
							return err
						}
						out["spendingKey"] = pool.ToHex(sk)
					}
					note, err := pool.NewNote(context.Uint64("amount"), ownerPk)
					if err != nil {
						return err
					}
					commitment, err := note.Commitment()
					if err != nil {
						return err
					}
					out["amount"] = note.Amount
					out["ownerPk"] = pool.ToHex(note.OwnerPk)
					out["blinding"] = pool.ToHex(note.Blinding)
					out["commitment"] = pool.ToHex(commitment)
					encoded, err := json.MarshalIndent(out, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(encoded))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Logger().Fatal().Err(err).Msg("App failed")
	}
}

type witnessFile struct {
	SpendingKey  string        `json:"spendingKey"`
	Amount       uint64        `json:"amount"`
	Blinding     string        `json:"blinding"`
	LeafIndex    uint64        `json:"leafIndex"`
	PathElements []string      `json:"pathElements"`
	Root         string        `json:"root"`
	PublicAmount string        `json:"publicAmount"`
	Outputs      []witnessNote `json:"outputs"`
}

type witnessNote struct {
	Amount   uint64 `json:"amount"`
	OwnerPk  string `json:"ownerPk"`
	Blinding string `json:"blinding"`
}

// parseWitnessFile turns the JSON witness into the prover's inputs. The
// nullifier and output commitments are derived here rather than trusted from
// the file.
func parseWitnessFile(data []byte, depth uint32) (*pool.WithdrawalWitness, *pool.PublicInputs, error) {
	var file witnessFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, err
	}

	sk := new(big.Int)
	if err := pool.FromHex(sk, file.SpendingKey); err != nil {
		return nil, nil, fmt.Errorf("spendingKey: %w", err)
	}
	blinding := new(big.Int)
	if err := pool.FromHex(blinding, file.Blinding); err != nil {
		return nil, nil, fmt.Errorf("blinding: %w", err)
	}
	root := new(big.Int)
	if err := pool.FromHex(root, file.Root); err != nil {
		return nil, nil, fmt.Errorf("root: %w", err)
	}
	publicAmount := big.NewInt(0)
	if file.PublicAmount != "" {
		if err := pool.FromHex(publicAmount, file.PublicAmount); err != nil {
			return nil, nil, fmt.Errorf("publicAmount: %w", err)
		}
	}
	if len(file.PathElements) != int(depth) {
		return nil, nil, fmt.Errorf("pathElements has %d entries, tree depth is %d", len(file.PathElements), depth)
	}
	pathElements := make([]*big.Int, len(file.PathElements))
	for i, hex := range file.PathElements {
		pathElements[i] = new(big.Int)
		if err := pool.FromHex(pathElements[i], hex); err != nil {
			return nil, nil, fmt.Errorf("pathElements[%d]: %w", i, err)
		}
	}

	ownerPk, err := pool.DeriveOwnerPk(sk)
	if err != nil {
		return nil, nil, err
	}
	note := &pool.Note{Amount: new(big.Int).SetUint64(file.Amount), OwnerPk: ownerPk, Blinding: blinding}

	outputs := make([]*pool.Note, len(file.Outputs))
	outputCommitments := make([]*big.Int, len(file.Outputs))
	for i, o := range file.Outputs {
		pk := new(big.Int)
		if err := pool.FromHex(pk, o.OwnerPk); err != nil {
			return nil, nil, fmt.Errorf("outputs[%d].ownerPk: %w", i, err)
		}
		outBlinding := new(big.Int)
		if err := pool.FromHex(outBlinding, o.Blinding); err != nil {
			return nil, nil, fmt.Errorf("outputs[%d].blinding: %w", i, err)
		}
		outputs[i] = &pool.Note{Amount: new(big.Int).SetUint64(o.Amount), OwnerPk: pk, Blinding: outBlinding}
		outputCommitments[i], err = outputs[i].Commitment()
		if err != nil {
			return nil, nil, err
		}
	}

	nullifier, err := pool.Nullifier(sk, file.LeafIndex)
	if err != nil {
		return nil, nil, err
	}

	witness := &pool.WithdrawalWitness{
		Note:         note,
		SpendingKey:  sk,
		LeafIndex:    file.LeafIndex,
		PathElements: pathElements,
		Outputs:      outputs,
	}
	inputs := &pool.PublicInputs{
		Root:              root,
		Nullifier:         nullifier,
		OutputCommitments: outputCommitments,
		PublicAmount:      publicAmount,
	}
	return witness, inputs, nil
}
