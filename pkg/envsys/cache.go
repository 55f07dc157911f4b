package envsys

import (
	"encoding/gob"
	"os"

	"github.com/rotisserie/eris"

	"github.com/ngld/testenv/pkg"
)

func init() {
	gob.Register(EnvList{})
	gob.Register(Env{})
	gob.Register(EnvCmdScript{})
	gob.Register(EnvCmdRef{})
}

// WriteCache stores the result of a parsed configuration script so later invocations can
// skip the Starlark run. The cache also records the tool version that wrote it.
func WriteCache(file string, options map[string]string, list EnvList) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(pkg.Version)
	if err != nil {
		return err
	}

	err = encoder.Encode(options)
	if err != nil {
		return err
	}

	return encoder.Encode(list)
}

// ReadCache loads a cache written by WriteCache. A cache written by a different tool
// version is rejected, the caller should fall back to parsing the script.
func ReadCache(file string) (map[string]string, EnvList, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var version string
	err = decoder.Decode(&version)
	if err != nil {
		return nil, nil, err
	}

	if version != pkg.Version {
		return nil, nil, eris.Errorf("cache was written by version %s, this is version %s", version, pkg.Version)
	}

	var options map[string]string
	err = decoder.Decode(&options)
	if err != nil {
		return nil, nil, err
	}

	var result EnvList
	err = decoder.Decode(&result)
	if err != nil {
		return options, nil, err
	}

	return options, result, nil
}
