package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/farepay/internal/walletsim"
)

type seedAccount struct {
	Name    string `yaml:"name"`
	Phone   string `yaml:"phone"`
	PIN     string `yaml:"pin"`
	Balance string `yaml:"balance"`
}

func main() {
	var (
		port     string
		delay    time.Duration
		accounts string
	)
	flag.StringVar(&port, "port", "5000", "Listen port")
	flag.DurationVar(&delay, "stk-delay", 6*time.Second, "Delay before a deposit is credited")
	flag.StringVar(&accounts, "accounts", "", "YAML file of accounts to create")
	flag.Parse()

	log := logrus.New()
	sim := walletsim.New(walletsim.Config{
		Secret:   []byte(os.Getenv("WALLETSIM_SECRET")),
		STKDelay: delay,
	}, log)

	seeds := []seedAccount{{Name: "Demo Rider", Phone: "0712345678", PIN: "1234", Balance: "100"}}
	if accounts != "" {
		data, err := os.ReadFile(accounts)
		if err != nil {
			log.Fatalf("Unable to read accounts file: %v", err)
		}
		var file struct {
			Accounts []seedAccount `yaml:"accounts"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			log.Fatalf("Unable to parse accounts file: %v", err)
		}
		seeds = file.Accounts
	}
	for _, a := range seeds {
		bal, err := decimal.NewFromString(a.Balance)
		if err != nil {
			log.Fatalf("Account %s: bad balance %q", a.Phone, a.Balance)
		}
		if err := sim.AddAccount(a.Name, a.Phone, a.PIN, bal); err != nil {
			log.Fatalf("Account %s: %v", a.Phone, err)
		}
	}

	log.Printf("Wallet simulator starting on :%s with %d accounts", port, len(seeds))
	if err := http.ListenAndServe(":"+port, sim.Handler()); err != nil {
		log.Fatal(err)
	}
}
