package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aegis-sign/ledger-bridge/internal/protocol"
	"github.com/aegis-sign/ledger-bridge/pkg/hdpath"
)

// txFile 是 sign 命令读取的 YAML 交易描述，路径写成 m/44'/1815'/0'/0/0。
type txFile struct {
	Inputs  []protocol.InputTypeUTxO
	Outputs []protocol.TxOutput
}

type yamlTx struct {
	Inputs []struct {
		TxDataHex   string `yaml:"txDataHex"`
		OutputIndex uint32 `yaml:"outputIndex"`
		Path        string `yaml:"path"`
	} `yaml:"inputs"`
	Outputs []struct {
		Amount    string `yaml:"amount"`
		Address58 string `yaml:"address58"`
		Path      string `yaml:"path"`
	} `yaml:"outputs"`
}

func loadTxFile(path string) (*txFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tx file: %w", err)
	}
	return parseTx(data)
}

func parseTx(data []byte) (*txFile, error) {
	var raw yamlTx
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tx file: %w", err)
	}
	if len(raw.Inputs) == 0 {
		return nil, errors.New("tx file has no inputs")
	}
	if len(raw.Outputs) == 0 {
		return nil, errors.New("tx file has no outputs")
	}
	tx := &txFile{}
	for i, in := range raw.Inputs {
		p, err := hdpath.ParseDerivationPath(in.Path)
		if err != nil {
			return nil, fmt.Errorf("inputs[%d].path: %w", i, err)
		}
		tx.Inputs = append(tx.Inputs, protocol.InputTypeUTxO{TxDataHex: in.TxDataHex, OutputIndex: in.OutputIndex, Path: p})
	}
	for i, out := range raw.Outputs {
		switch {
		case out.Address58 != "" && out.Path != "":
			return nil, fmt.Errorf("outputs[%d]: address58 and path are mutually exclusive", i)
		case out.Address58 == "" && out.Path == "":
			return nil, fmt.Errorf("outputs[%d]: address58 or path is required", i)
		}
		o := protocol.TxOutput{AmountStr: out.Amount, Address58: out.Address58}
		if out.Path != "" {
			p, err := hdpath.ParseDerivationPath(out.Path)
			if err != nil {
				return nil, fmt.Errorf("outputs[%d].path: %w", i, err)
			}
			o.Path = p
		}
		tx.Outputs = append(tx.Outputs, o)
	}
	return tx, nil
}
