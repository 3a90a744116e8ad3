package queue_test

import "os"

func mkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
