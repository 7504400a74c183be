package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/menta2k/dataset-maker/internal/utils"
	"github.com/menta2k/dataset-maker/pkg/catalog"
)

const catalogUsage = `usage: catalog <products|defects|categories> <list|add|update|delete> [flags]

  products    products of the two-level catalog
  defects     defect categories of one product (-product)
  categories  categories of the flat catalog
`

type catalogFlags struct {
	common
	id          int
	name        string
	description string
	path        string
	product     string
}

func runCatalog(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%s", catalogUsage)
	}
	kind, action := args[0], args[1]

	var f catalogFlags
	fs := flag.NewFlagSet("catalog "+kind+" "+action, flag.ExitOnError)
	f.register(fs)
	fs.IntVar(&f.id, "id", 0, "id of the entry to update or delete")
	fs.StringVar(&f.name, "name", "", "name")
	fs.StringVar(&f.description, "description", "", "description")
	fs.StringVar(&f.path, "path", "", "annotation folder of the product")
	fs.StringVar(&f.product, "product", "", "product name (defects only)")
	fs.Parse(args[2:])

	e, err := f.open()
	if err != nil {
		return err
	}
	defer e.Close()

	switch kind {
	case "products":
		if e.maker.Products() == nil {
			return fmt.Errorf("catalog is in flat mode")
		}
		return productCommand(e.maker.Products(), action, &f, fs)
	case "defects":
		if e.maker.Products() == nil {
			return fmt.Errorf("catalog is in flat mode")
		}
		return defectCommand(e.maker.Products(), action, &f)
	case "categories":
		if e.maker.Flat() == nil {
			return fmt.Errorf("catalog is in products mode")
		}
		return categoryCommand(e.maker.Flat(), action, &f)
	}
	return fmt.Errorf("unknown catalog kind %q\n%s", kind, catalogUsage)
}

func productCommand(s *catalog.ProductStore, action string, f *catalogFlags, fs *flag.FlagSet) error {
	switch action {
	case "list":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDEFECTS\tPATH\tDESCRIPTION")
		for _, p := range s.List() {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", p.ID, p.Name, len(s.DefectCategories(p.ID)), p.Path, p.Description)
		}
		return w.Flush()
	case "add":
		path := f.path
		if path == "" {
			path = filepath.Join("data", utils.SanitizeFilename(f.name))
		}
		p, err := s.AddProduct(f.name, f.description, path)
		if err != nil {
			return err
		}
		fmt.Printf("added product %d %q (%s)\n", p.ID, p.Name, p.Path)
		return nil
	case "update":
		var path *string
		fs.Visit(func(fl *flag.Flag) {
			if fl.Name == "path" {
				path = &f.path
			}
		})
		p, err := s.UpdateProduct(f.id, f.name, f.description, path)
		if err != nil {
			return err
		}
		fmt.Printf("updated product %d %q\n", p.ID, p.Name)
		return nil
	case "delete":
		if err := s.DeleteProduct(f.id); err != nil {
			return err
		}
		fmt.Printf("deleted product %d\n", f.id)
		return nil
	}
	return fmt.Errorf("unknown action %q", action)
}

func defectCommand(s *catalog.ProductStore, action string, f *catalogFlags) error {
	if f.product == "" {
		return fmt.Errorf("-product is required")
	}
	p, err := s.FindByName(f.product)
	if err != nil {
		return err
	}

	switch action {
	case "list":
		return printCategories(s.DefectCategories(p.ID))
	case "add":
		c, err := s.AddDefectCategory(p.ID, f.name, f.description)
		if err != nil {
			return err
		}
		fmt.Printf("added defect category %d %q to %s\n", c.ID, c.Name, p.Name)
		return nil
	case "update":
		c, err := s.UpdateDefectCategory(p.ID, f.id, f.name, f.description)
		if err != nil {
			return err
		}
		fmt.Printf("updated defect category %d %q\n", c.ID, c.Name)
		return nil
	case "delete":
		if err := s.DeleteDefectCategory(p.ID, f.id); err != nil {
			return err
		}
		fmt.Printf("deleted defect category %d from %s\n", f.id, p.Name)
		return nil
	}
	return fmt.Errorf("unknown action %q", action)
}

func categoryCommand(s *catalog.Store, action string, f *catalogFlags) error {
	switch action {
	case "list":
		return printCategories(s.List())
	case "add":
		c, err := s.Add(f.name, f.description)
		if err != nil {
			return err
		}
		fmt.Printf("added category %d %q\n", c.ID, c.Name)
		return nil
	case "update":
		c, err := s.Update(f.id, f.name, f.description)
		if err != nil {
			return err
		}
		fmt.Printf("updated category %d %q\n", c.ID, c.Name)
		return nil
	case "delete":
		if err := s.Delete(f.id); err != nil {
			return err
		}
		fmt.Printf("deleted category %d\n", f.id)
		return nil
	}
	return fmt.Errorf("unknown action %q", action)
}

func printCategories(list []catalog.Category) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tDESCRIPTION")
	for _, c := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, c.Name, c.CreatedAt, c.Description)
	}
	return w.Flush()
}
