package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	ENV        string     `yaml:"env" env:"ENV" env-default:"local"`
	HTTPServer HTTPServer `yaml:"http_server"`
	Storage    Storage    `yaml:"storage"`
	Neural     Neural     `yaml:"neural"`
	Completion Completion `yaml:"completion"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"0s"` // 0: streams may run long
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"10s"`
}

type Storage struct {
	DatabaseURL  string `yaml:"database_url" env:"DATABASE_URL" env-required:"true"`
	MaxOpenConns int    `yaml:"max_open_conns" env-default:"10"`
}

// структура для соединения с беком нейронки
type Neural struct {
	URL          string        `yaml:"url" env:"NEURAL_URL" env-required:"true"`
	Timeout      time.Duration `yaml:"timeout" env-default:"60s"`
	StreamBuffer int           `yaml:"stream_buffer" env-default:"16"`
	ModelName    string        `yaml:"model_name" env-default:"default"`
}

type Completion struct {
	MaxHistory int `yaml:"max_history" env-default:"10"`
}

// парсит и возвращает объект конфига
func MustLoadByPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

// парсит и возвращает объект конфига
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return MustLoadByPath(path)
}

// получает путь до файла конфига из флага (приоритет)
// либо из переменной окружения CONFIG_PATH
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
